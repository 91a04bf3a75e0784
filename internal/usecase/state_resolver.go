package usecase

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"crm-enrichment/internal/domain/model"
)

// DefaultFoundPath is the payload field that flags a successful lead enrichment.
const DefaultFoundPath = "found"

// StateResolver maps a poll result to a tracker directive. It holds only the
// workflow's "found" policy and has no side effects, so Resolve is deterministic.
type StateResolver struct {
	// FoundPath is a gjson path into the status payload. The job counts as found
	// when the value is true, a non-zero number, or a non-empty string/array/object.
	FoundPath string
}

func NewStateResolver(foundPath string) StateResolver {
	if strings.TrimSpace(foundPath) == "" {
		foundPath = DefaultFoundPath
	}
	return StateResolver{FoundPath: foundPath}
}

func (r StateResolver) Resolve(res model.PollResult) model.Directive {
	switch res.Status {
	case model.JobStatusPending, model.JobStatusProcessing:
		return model.Directive{Kind: model.DirectiveContinue}
	case model.JobStatusFailed:
		return model.Directive{Kind: model.DirectiveError, Reason: failureReason(res)}
	case model.JobStatusCompleted:
		if r.found(res) {
			return model.Directive{Kind: model.DirectiveEnriched, Payload: res.Payload}
		}
		return model.Directive{Kind: model.DirectiveUnenriched}
	default:
		return model.Directive{
			Kind:   model.DirectiveError,
			Reason: fmt.Sprintf("unrecognized job status %q", string(res.Status)),
		}
	}
}

func (r StateResolver) found(res model.PollResult) bool {
	if len(res.Payload) == 0 || !gjson.ValidBytes(res.Payload) {
		return false
	}
	path := r.FoundPath
	if path == "" {
		path = DefaultFoundPath
	}
	return truthy(gjson.GetBytes(res.Payload, path))
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Num != 0
	case gjson.String:
		str := strings.ToLower(strings.TrimSpace(v.Str))
		if b, err := strconv.ParseBool(str); err == nil {
			return b
		}
		switch str {
		case "", "no", "n", "off", "null", "none":
			return false
		}
		return true
	case gjson.JSON:
		if v.IsArray() {
			return len(v.Array()) > 0
		}
		return len(v.Map()) > 0
	default:
		return false
	}
}

func failureReason(res model.PollResult) string {
	for _, path := range []string{"error", "message", "reason"} {
		if v := gjson.GetBytes(res.Payload, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return "backend reported the job as failed"
}
