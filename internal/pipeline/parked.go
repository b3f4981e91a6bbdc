package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/marcus-qen/actiongate/internal/action"
)

func marshalParked(a action.Action) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal parked action %s: %w", a.ID, err)
	}
	return data, nil
}

func unmarshalParked(raw []byte) (action.Action, error) {
	var a action.Action
	if err := json.Unmarshal(raw, &a); err != nil {
		return action.Action{}, fmt.Errorf("unmarshal parked action: %w", err)
	}
	return a, nil
}
