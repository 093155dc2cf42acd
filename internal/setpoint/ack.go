package setpoint

// Ack is the outcome of a poll-delivered command, reported back upstream
type Ack struct {
	CommandID    string   `json:"command_id"`
	Applied      bool     `json:"applied"`
	ActualTempC  *float64 `json:"actual_temp_c,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// Drop reasons reported for commands that were never applied
const (
	DropAutoControlOff = "auto_control_disabled"
	DropBoosted        = "zone_boosted"
	DropExpired        = "command_expired"
	DropSuperseded     = "superseded"
	DropShutdown       = "shutting_down"
)
