package common

// Status is the state of a run
type Status int

const (
	StatusIDLE Status = iota
	StatusSEARCHING
	StatusNORESULTS
	StatusAUTHENTICATING
	StatusDOWNLOADING
	StatusCOMPOSITED
	StatusSKIPPED
	StatusDONE
)

var statusNames = [...]string{"IDLE", "SEARCHING", "NORESULTS", "AUTHENTICATING", "DOWNLOADING", "COMPOSITED", "SKIPPED", "DONE"}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// Stage is the pipeline component where a failure happened
type Stage int

const (
	StageNone Stage = iota
	StageSearch
	StageAuth
	StageMetadata
	StageDownload
	StageComposite
	StagePublish
)

var stageNames = [...]string{"", "search", "auth", "metadata", "download", "composite", "publish"}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}
