package asr

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hahalfx/Auto-Evaluate-App-sub000/internal/pcm"
)

// FrameStatus marks a message's position in the session stream.
type FrameStatus int

const (
	StatusFirst    FrameStatus = 0
	StatusContinue FrameStatus = 1
	StatusLast     FrameStatus = 2
)

const audioFormat = "audio/L16;rate=16000"

// BusinessParams are the recognition parameters carried by the First message.
type BusinessParams struct {
	Language string `json:"language"`
	Domain   string `json:"domain"`
	Accent   string `json:"accent"`
	// DynamicCorrection enables "wpgs" results that may replace earlier text.
	DynamicCorrection bool   `json:"-"`
	DWA               string `json:"dwa,omitempty"`
	VADEOS            int    `json:"vad_eos,omitempty"`
}

type commonParams struct {
	AppID string `json:"app_id"`
}

type audioData struct {
	Status   FrameStatus `json:"status"`
	Format   string      `json:"format"`
	Encoding string      `json:"encoding"`
	Audio    string      `json:"audio"`
}

// Message is one client frame: First, Middle, or End depending on Data.Status.
type Message struct {
	Common   *commonParams   `json:"common,omitempty"`
	Business *BusinessParams `json:"business,omitempty"`
	Data     audioData       `json:"data"`
}

// Status returns the stream position of the message.
func (m Message) Status() FrameStatus {
	return m.Data.Status
}

// FirstMessage opens a session with app id and recognition parameters.
func FirstMessage(appID string, business BusinessParams) Message {
	if business.DynamicCorrection {
		business.DWA = "wpgs"
	}
	return Message{
		Common:   &commonParams{AppID: appID},
		Business: &business,
		Data:     audioData{Status: StatusFirst, Format: audioFormat, Encoding: "raw"},
	}
}

// MiddleMessage carries one PCM frame.
func MiddleMessage(frame []byte) Message {
	return Message{Data: audioData{Status: StatusContinue, Format: audioFormat, Encoding: "raw", Audio: pcm.Payload(frame)}}
}

// EndMessage signals that no more audio follows.
func EndMessage() Message {
	return Message{Data: audioData{Status: StatusLast, Format: audioFormat, Encoding: "raw"}}
}

// CorrectionMode tells how a result merges into the running transcript.
type CorrectionMode int

const (
	ModeAppend CorrectionMode = iota
	ModeReplace
)

func (m CorrectionMode) String() string {
	if m == ModeReplace {
		return "replace"
	}
	return "append"
}

type candidateWord struct {
	W string `json:"w"`
}

type wordSlot struct {
	CW []candidateWord `json:"cw"`
}

type recognitionResult struct {
	SN  int        `json:"sn"`
	LS  bool       `json:"ls"`
	PGS string     `json:"pgs"`
	RG  []int      `json:"rg"`
	WS  []wordSlot `json:"ws"`
}

type responseData struct {
	Status FrameStatus        `json:"status"`
	Result *recognitionResult `json:"result"`
}

// Response is one server message.
type Response struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	SID     string        `json:"sid"`
	Data    *responseData `json:"data"`
}

// DecodeResponse parses one server text frame.
func DecodeResponse(raw []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("decode asr response: %w", err)
	}
	return resp, nil
}

// Err converts a non-zero status into a RecognitionError.
func (r Response) Err() error {
	if r.Code == 0 {
		return nil
	}
	return &RecognitionError{Code: r.Code, Message: r.Message, SID: r.SID}
}

// Words joins the first candidate of every word slot.
func (r Response) Words() string {
	if r.Data == nil || r.Data.Result == nil {
		return ""
	}
	var b strings.Builder
	for _, slot := range r.Data.Result.WS {
		if len(slot.CW) == 0 {
			continue
		}
		b.WriteString(slot.CW[0].W)
	}
	return b.String()
}

// Mode reports the correction mode; absent means append.
func (r Response) Mode() CorrectionMode {
	if r.Data != nil && r.Data.Result != nil && r.Data.Result.PGS == "rpl" {
		return ModeReplace
	}
	return ModeAppend
}

// HasResult reports whether the message carries recognized words.
func (r Response) HasResult() bool {
	return r.Data != nil && r.Data.Result != nil
}

// Final reports whether the server closed the stream with this message.
func (r Response) Final() bool {
	return r.Data != nil && r.Data.Status == StatusLast
}
