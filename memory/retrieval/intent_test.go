package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIntent(t *testing.T) {
	tests := []struct {
		query string
		want  Intent
	}{
		{"do I have any meetings this week", IntentSchedule},
		{"when is my dentist appointment", IntentSchedule},
		{"remind me about the deadline", IntentSchedule},
		{"what is my name", IntentPersonal},
		{"what do I usually order for lunch", IntentPersonal},
		{"tell me everything you know about me", IntentPersonal},
		{"how tall is the Eiffel Tower", IntentGeneral},
		{"", IntentGeneral},
	}

	classifier := KeywordClassifier{}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.Classify(tt.query).Intent)
		})
	}
}

func TestClassifyTraits(t *testing.T) {
	classifier := KeywordClassifier{}

	comprehensive := classifier.Classify("Tell me everything you know about me")
	assert.True(t, comprehensive.Comprehensive)
	assert.False(t, comprehensive.KnowledgeSeeking)

	knowledge := classifier.Classify("What is the difference between TCP and UDP?")
	assert.True(t, knowledge.KnowledgeSeeking)
	assert.False(t, knowledge.Comprehensive)

	plain := classifier.Classify("I switched jobs last month")
	assert.False(t, plain.Comprehensive)
	assert.False(t, plain.KnowledgeSeeking)
	assert.False(t, plain.Greeting)
}

func TestClassifyGreeting(t *testing.T) {
	classifier := KeywordClassifier{}

	assert.True(t, classifier.Classify("hi").Greeting)
	assert.True(t, classifier.Classify("Hello there!").Greeting)
	assert.True(t, classifier.Classify("good morning").Greeting)
	assert.False(t, classifier.Classify("hello, can you walk me through the full migration plan?").Greeting)
	assert.False(t, classifier.Classify("history of rome").Greeting)
}
