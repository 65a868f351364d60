package realtime

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrorQueue is the private queue that carries update failures.
const ErrorQueue = "queue/documents/errors"

const topicPrefix = "documents/"

type TopicKind int

const (
	TopicDocument TopicKind = iota
	TopicChanges
)

var ErrInvalidTopic = errors.New("invalid topic")

func DocumentTopic(ownerID int64) string { return fmt.Sprintf("documents/%d", ownerID) }

func ChangesTopic(ownerID int64) string { return fmt.Sprintf("documents/%d/changes", ownerID) }

// ParseTopic accepts "documents/{id}" and "documents/{id}/changes", with or
// without a leading slash.
func ParseTopic(topic string) (int64, TopicKind, error) {
	t := strings.TrimPrefix(strings.TrimSpace(topic), "/")
	if !strings.HasPrefix(t, topicPrefix) {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	rest := strings.TrimPrefix(t, topicPrefix)
	kind := TopicDocument
	if strings.HasSuffix(rest, "/changes") {
		kind = TopicChanges
		rest = strings.TrimSuffix(rest, "/changes")
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return id, kind, nil
}

// CanonicalTopic normalizes a client-supplied topic name.
func CanonicalTopic(topic string) (string, error) {
	id, kind, err := ParseTopic(topic)
	if err != nil {
		return "", err
	}
	if kind == TopicChanges {
		return ChangesTopic(id), nil
	}
	return DocumentTopic(id), nil
}
