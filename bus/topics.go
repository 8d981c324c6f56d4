package bus

import (
	"fmt"
	"strings"
)

// Well-known topics. Adapters prefix every topic with the namespace, so the
// dead-letter topic appears on the wire as "{namespace}:dlq".
const (
	TopicResults    = "orchestrator:results"
	TopicDeadLetter = "dlq"
)

// TaskTopic returns the dispatch topic for an agent type.
func TaskTopic(agentType string) string {
	return "agent:" + agentType + ":tasks"
}

// Qualified returns the namespace-prefixed topic name used in logs.
func Qualified(namespace, topic string) string {
	if namespace == "" {
		return topic
	}
	return namespace + ":" + topic
}

// ValidateTopic rejects names that cannot be mapped onto broker subjects.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is empty")
	}
	if strings.ContainsAny(topic, " \t\r\n*>") {
		return fmt.Errorf("topic %q contains reserved characters", topic)
	}
	for _, token := range strings.Split(topic, ":") {
		if token == "" {
			return fmt.Errorf("topic %q has an empty segment", topic)
		}
	}
	return nil
}
