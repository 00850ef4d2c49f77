package asr

// Transcript accumulates recognized text for one utterance.
type Transcript struct {
	text string
	mode CorrectionMode
}

// Merge applies one result and returns the updated text.
func (t *Transcript) Merge(text string, mode CorrectionMode) string {
	t.mode = mode
	if mode == ModeReplace {
		t.text = text
		return t.text
	}
	t.text += text
	return t.text
}

// Text returns the current best guess.
func (t *Transcript) Text() string {
	return t.text
}

// Mode returns the correction mode of the last merge.
func (t *Transcript) Mode() CorrectionMode {
	return t.mode
}

// Reset clears the accumulator at the start of an utterance.
func (t *Transcript) Reset() {
	t.text = ""
	t.mode = ModeAppend
}
