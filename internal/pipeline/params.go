package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	errParamsDecode   = errors.New("failed to decode action parameters")
	errParamsInvalid  = errors.New("invalid action parameters")
	errParamsNoTarget = errors.New("action parameters name no destination")
)

// Target is one destination for a replication job.
type Target struct {
	AccountID string `json:"accountId"`
	Region    string `json:"region"`
}

// ActionParams is the JSON blob configured on the pipeline action. Two
// forms are accepted: the flat single-destination form
//
//	{destinationAccountId, destinationRegion, destinationRoleName, kmsKeyAlias, amiName}
//
// and the multi-destination form, where targets replaces the flat
// account and region fields:
//
//	{targets: [{accountId, region}, ...], destinationRoleName, kmsKeyAlias, amiName}
type ActionParams struct {
	DestinationAccountID string   `json:"destinationAccountId,omitempty"`
	DestinationRegion    string   `json:"destinationRegion,omitempty"`
	Targets              []Target `json:"targets,omitempty"`

	DestinationRoleName string `json:"destinationRoleName"`
	KMSKeyAlias         string `json:"kmsKeyAlias"`
	AMIName             string `json:"amiName"`
}

// ParseParams decodes and validates the action's parameter blob.
func ParseParams(raw string) (ActionParams, error) {
	var params ActionParams
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		return ActionParams{}, fmt.Errorf("%w: %w", errParamsDecode, err)
	}
	if err := params.validate(); err != nil {
		return ActionParams{}, err
	}
	return params, nil
}

func (p ActionParams) validate() error {
	switch {
	case p.DestinationRoleName == "":
		return fmt.Errorf("%w: destinationRoleName is required", errParamsInvalid)
	case p.KMSKeyAlias == "":
		return fmt.Errorf("%w: kmsKeyAlias is required", errParamsInvalid)
	case p.AMIName == "":
		return fmt.Errorf("%w: amiName is required", errParamsInvalid)
	}

	if len(p.Targets) > 0 && (p.DestinationAccountID != "" || p.DestinationRegion != "") {
		return fmt.Errorf("%w: targets and destination fields are mutually exclusive", errParamsInvalid)
	}
	if len(p.Targets) == 0 && (p.DestinationAccountID == "" || p.DestinationRegion == "") {
		return errParamsNoTarget
	}
	for i, target := range p.Targets {
		if target.AccountID == "" || target.Region == "" {
			return fmt.Errorf("%w: targets[%d] is missing accountId or region", errParamsInvalid)
		}
	}
	return nil
}

// TargetList flattens both accepted forms into one slice.
func (p ActionParams) TargetList() []Target {
	if len(p.Targets) > 0 {
		return p.Targets
	}
	return []Target{{AccountID: p.DestinationAccountID, Region: p.DestinationRegion}}
}
