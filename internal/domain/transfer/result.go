package transfer

import "time"

// Result summarizes one strategy run.
type Result struct {
	SessionID  string               `json:"session_id"`
	Processed  int                  `json:"processed"`
	Succeeded  int                  `json:"succeeded"`
	Failed     int                  `json:"failed"`
	PerPair    map[string]PairStats `json:"per_pair"`
	StopReason StopReason           `json:"stop_reason"`
}

// StopReason explains why a run ended.
type StopReason string

const (
	StopLimitReached StopReason = "limit_reached"
	StopExhausted    StopReason = "work_exhausted"
	StopNoWorkers    StopReason = "no_workers"
	StopRequested    StopReason = "stop_requested"
	StopPaused       StopReason = "paused"
	StopAborted      StopReason = "aborted"
	StopCanceled     StopReason = "canceled"
)

// Progress is the observational snapshot handed to progress callbacks.
type Progress struct {
	SessionID     string    `json:"session_id"`
	Processed     int       `json:"processed"`
	Total         int       `json:"total"`
	Succeeded     int       `json:"succeeded"`
	Failed        int       `json:"failed"`
	CurrentWorker string    `json:"current_worker,omitempty"`
	CurrentPair   string    `json:"current_pair,omitempty"`
	ETASeconds    int       `json:"eta_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// ProgressFunc receives progress snapshots. It must return quickly.
type ProgressFunc func(Progress)
