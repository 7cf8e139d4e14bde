package protocol

// ScheduleRule is one pull-schedule entry, served by the Manager for UI
// display and loaded from its schedule config file.
type ScheduleRule struct {
	ID               string   `json:"id" yaml:"id"`
	Enabled          bool     `json:"enabled" yaml:"enabled"`
	ScheduleModes    []string `json:"schedule_modes" yaml:"schedule_modes"`
	IntervalSeconds  int      `json:"interval_seconds,omitempty" yaml:"interval_seconds,omitempty"`
	WindowSpec       string   `json:"window_spec,omitempty" yaml:"window_spec,omitempty"`
	StartImmediately bool     `json:"start_immediately" yaml:"start_immediately"`
}
