package control

import (
	"strconv"

	"github.com/andrewthetechie/nanokvm-control-api/src/server/pinmap"
	"github.com/andrewthetechie/nanokvm-control-api/src/server/state"
)

// StatusResponse is the caller-facing view of the logical record, shared
// by the HTTP status endpoint and the automation socket pushes.
type StatusResponse struct {
	CurrentInput *int              `json:"current_input,omitempty"`
	HardPower    map[string]string `json:"hard_power"`
}

// StatusFromState renders the record with "on"/"off" strings per id.
func StatusFromState(st state.SystemState) StatusResponse {
	resp := StatusResponse{
		CurrentInput: st.CurrentInput,
		HardPower:    make(map[string]string, len(pinmap.ValidIDs)),
	}
	for _, id := range pinmap.ValidIDs {
		status := "off"
		if st.HardPower[id] {
			status = "on"
		}
		resp.HardPower[strconv.Itoa(id)] = status
	}
	return resp
}
