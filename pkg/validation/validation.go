// Package validation implements the naming and sizing rules shared by every
// broker and registry surface: topic/channel names and message/body size
// ceilings, grounded on original_source/nsq-common/src/validation.rs.
package validation

import (
	"regexp"

	"github.com/cuemby/relay/pkg/rerrors"
)

// nameRe matches the topic/channel naming rule from spec §3: 1-64 chars of
// letters, digits, dot, underscore or dash.
var nameRe = regexp.MustCompile(`^[.a-zA-Z0-9_-]{1,64}$`)

// Name validates a topic or channel name.
func Name(kind, name string) error {
	if !nameRe.MatchString(name) {
		code := rerrors.CodeBadTopic
		if kind == "channel" {
			code = rerrors.CodeBadChannel
		}
		return rerrors.Validation(code, kind+" name invalid: "+name)
	}
	return nil
}

// TopicName validates a topic name.
func TopicName(name string) error { return Name("topic", name) }

// ChannelName validates a channel name.
func ChannelName(name string) error { return Name("channel", name) }

// BodySize validates a single message body against the configured ceiling.
func BodySize(size, maxMsgSize int) error {
	if size < 0 {
		return rerrors.Validation(rerrors.CodeBadMessage, "negative body size")
	}
	if size > maxMsgSize {
		return rerrors.Validation(rerrors.CodeBadMessage, "message body exceeds max-msg-size")
	}
	return nil
}

// TotalSize validates the aggregate payload size of a multi-message publish
// (MPUB) against the configured ceiling.
func TotalSize(total, maxBodySize int) error {
	if total > maxBodySize {
		return rerrors.Validation(rerrors.CodeBadMessage, "payload exceeds max-body-size")
	}
	return nil
}
