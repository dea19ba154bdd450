package engine

// HookPoint names a place in the copier where a test can park it.
type HookPoint int

const (
	// BeforeCreateDestination fires after the source file is opened and
	// before its backup copy is created or looked up.
	BeforeCreateDestination HookPoint = iota + 1
	// AfterCreateDestination fires once the backup copy is open and before
	// any bytes are copied.
	AfterCreateDestination
	// BeforeChunk fires before each chunk's lock is taken.
	BeforeChunk
)

func (p HookPoint) String() string {
	switch p {
	case BeforeCreateDestination:
		return "before-create-destination"
	case AfterCreateDestination:
		return "after-create-destination"
	case BeforeChunk:
		return "before-chunk"
	default:
		return "unknown"
	}
}

// Hooks lets tests interleave live operations with the copier at fixed
// points. Production callers leave it nil. Pause is invoked with no lock
// held and may block.
type Hooks struct {
	Pause func(point HookPoint, relPath string)
}

func (h *Hooks) pause(point HookPoint, relPath string) {
	if h == nil || h.Pause == nil {
		return
	}
	h.Pause(point, relPath)
}
