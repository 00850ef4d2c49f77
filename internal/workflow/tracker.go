package workflow

// Channel names one detection channel.
type Channel string

const (
	ChannelWake   Channel = "wake"
	ChannelVisual Channel = "visual"
)

// SubTaskStatus is the lifecycle of one channel for one case.
type SubTaskStatus string

const (
	StatusPending   SubTaskStatus = "pending"
	StatusRunning   SubTaskStatus = "running"
	StatusCompleted SubTaskStatus = "completed"
	StatusFailed    SubTaskStatus = "failed"
)

// Terminal reports whether s ends the channel for this case.
func (s SubTaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Tracker follows one channel of one case. Only the coordinator loop mutates it.
type Tracker struct {
	Channel Channel
	Status  SubTaskStatus
	Token   string

	Text       string
	Confidence *float64
	Detected   bool
}

func newTracker(ch Channel) Tracker {
	return Tracker{Channel: ch, Status: StatusPending}
}

// start arms the tracker for a fresh channel start.
func (t *Tracker) start(token string) {
	t.Status = StatusRunning
	t.Token = token
}

// accepts reports whether a signal with token belongs to the live start.
func (t *Tracker) accepts(token string) bool {
	return t.Token != "" && token == t.Token && !t.Status.Terminal()
}

func (t *Tracker) finish(status SubTaskStatus) {
	t.Status = status
}

// observe keeps the best confidence seen.
func (t *Tracker) observe(confidence float64) {
	if t.Confidence == nil || confidence > *t.Confidence {
		c := confidence
		t.Confidence = &c
	}
}

// reset returns the tracker to Pending and invalidates its token.
func (t *Tracker) reset() {
	*t = newTracker(t.Channel)
}
