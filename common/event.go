package common

// ImageReadyPrefix is the reserved prefix of the status line announcing a composite
const ImageReadyPrefix = "IMAGE_READY:"

// EventKind classifies the notifications sent to the presentation layer
type EventKind int

const (
	EventProgress   EventKind = iota // Human-readable progress
	EventSkipped                     // A product has been skipped
	EventFailure                     // A failure that does not skip a product, or halts the run
	EventImageReady                  // A composite is available at Path
	EventDone                        // Terminal notification, always sent
)

// Event is a notification emitted by a run
type Event struct {
	Kind    EventKind
	Status  Status
	Stage   Stage // Set for EventSkipped and EventFailure
	Index   int   // Index of the product in the result set, -1 if not related to a product
	Message string
	Path    string // Set for EventImageReady
}

// String returns the status line, as displayed by the presentation layer
func (e Event) String() string {
	if e.Kind == EventImageReady {
		return ImageReadyPrefix + e.Path
	}
	return e.Message
}
