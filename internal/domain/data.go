package domain

import (
	"encoding/json"
	"fmt"
)

// Approver identifies a user in process data.
type Approver struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ProcessData is the attribute bag of a process. Known keys are typed; any other
// key is kept in Extra and written back unchanged.
type ProcessData struct {
	FlowType      FlowType
	Approve       []Approver
	Owner         Approver
	AllowWithdraw bool
	Permission    string
	Stage         int
	IsResubmit    int
	Extra         map[string]any
}

var processDataKeys = []string{"flow_type", "approve", "owner", "allow_withdraw", "permission", "stage", "is_resubmit"}

func (d ProcessData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+len(processDataKeys))
	for k, v := range d.Extra {
		out[k] = v
	}
	approve := d.Approve
	if approve == nil {
		approve = []Approver{}
	}
	out["flow_type"] = d.FlowType
	out["approve"] = approve
	out["owner"] = d.Owner
	out["allow_withdraw"] = d.AllowWithdraw
	out["permission"] = d.Permission
	out["stage"] = d.Stage
	out["is_resubmit"] = d.IsResubmit
	return json.Marshal(out)
}

func (d *ProcessData) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = ProcessData{}
	fields := map[string]any{
		"flow_type":      &d.FlowType,
		"approve":        &d.Approve,
		"owner":          &d.Owner,
		"allow_withdraw": &d.AllowWithdraw,
		"permission":     &d.Permission,
		"stage":          &d.Stage,
		"is_resubmit":    &d.IsResubmit,
	}
	for key, dst := range fields {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("process data %s: %w", key, err)
		}
		delete(raw, key)
	}
	extra, err := decodeExtra(raw)
	if err != nil {
		return err
	}
	d.Extra = extra
	return nil
}

// StageOrDefault returns the stage, treating an unset stage as 1.
func (d ProcessData) StageOrDefault() int {
	if d.Stage == 0 {
		return 1
	}
	return d.Stage
}

// ExtraString returns an extension key as a string.
func (d ProcessData) ExtraString(key string) string {
	if d.Extra == nil {
		return ""
	}
	s, _ := d.Extra[key].(string)
	return s
}

// TaskData is the attribute bag of a task.
type TaskData struct {
	IsFirst    int
	IsWithdraw int
	Extra      map[string]any
}

func (d TaskData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["is_first"] = d.IsFirst
	out["is_withdraw"] = d.IsWithdraw
	return json.Marshal(out)
}

func (d *TaskData) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*d = TaskData{}
	for key, dst := range map[string]*int{"is_first": &d.IsFirst, "is_withdraw": &d.IsWithdraw} {
		v, ok := raw[key]
		if !ok || string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("task data %s: %w", key, err)
		}
		delete(raw, key)
	}
	extra, err := decodeExtra(raw)
	if err != nil {
		return err
	}
	d.Extra = extra
	return nil
}

func decodeExtra(raw map[string]json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return nil, fmt.Errorf("extension key %s: %w", k, err)
		}
		extra[k] = val
	}
	return extra, nil
}
