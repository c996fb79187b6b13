package core

import (
	"database/sql"
	"math"
	"reflect"
	"testing"
	"time"

	"onnx-exporter/internal/database"

	"github.com/stretchr/testify/assert"
)

func TestParseQuery_SimpleFilter(t *testing.T) {
	query := `model CONTAINS "bert"`
	expected := &SubstringFilter{field: "model", substr: "bert"}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_AndExpression(t *testing.T) {
	query := `model CONTAINS "bert" AND status = "FAILED"`
	expected := &AndFilter{
		filters: []Filter{
			&SubstringFilter{field: "model", substr: "bert"},
			&StringEqFilter{field: "status", value: "FAILED"},
		},
	}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_OrExpression(t *testing.T) {
	query := `status = "QUEUED" OR status = "RUNNING"`
	expected := &OrFilter{
		filters: []Filter{
			&StringEqFilter{field: "status", value: "QUEUED"},
			&StringEqFilter{field: "status", value: "RUNNING"},
		},
	}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_NotExpression(t *testing.T) {
	query := `NOT error CONTAINS "exited"`
	expected := &NotFilter{
		filter: &SubstringFilter{field: "error", substr: "exited"},
	}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_ComplexExpression(t *testing.T) {
	query := `model CONTAINS "bert" AND (status = "COMPLETED" OR NOT DURATION > 300)`
	expected := &AndFilter{
		filters: []Filter{
			&SubstringFilter{field: "model", substr: "bert"},
			&OrFilter{
				filters: []Filter{
					&StringEqFilter{field: "status", value: "COMPLETED"},
					&NotFilter{
						filter: &DurationFilter{min: 300, max: math.MaxInt},
					},
				},
			},
		},
	}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assert.Equal(t, filter, expected)
}

func TestParseQuery_DurationFilter(t *testing.T) {
	query := `DURATION < 60`
	expected := &DurationFilter{min: math.MinInt, max: 60}

	filter, err := ParseQuery(query)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(filter, expected) {
		t.Errorf("expected %v, got %v", expected, filter)
	}
}

func TestParseQuery_InvalidQuery(t *testing.T) {
	query := `model CONTAINS`
	_, err := ParseQuery(query)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestParseQuery_UnknownField(t *testing.T) {
	query := `owner = "someone"`
	_, err := ParseQuery(query)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestFilterMatches(t *testing.T) {
	started := time.Now().Add(-10 * time.Minute)
	job := &database.ConversionJob{
		ModelId:        "org/bert-base",
		TargetRepo:     "user/bert-base",
		Status:         database.JobCompleted,
		StartTime:      sql.NullTime{Time: started, Valid: true},
		CompletionTime: sql.NullTime{Time: started.Add(90 * time.Second), Valid: true},
	}

	tests := []struct {
		query   string
		matches bool
	}{
		{`model CONTAINS "bert"`, true},
		{`model CONTAINS "gpt"`, false},
		{`status = "COMPLETED"`, true},
		{`NOT status = "COMPLETED"`, false},
		{`repo CONTAINS "user/" AND status = "COMPLETED"`, true},
		{`DURATION > 60`, true},
		{`DURATION < 60`, false},
		{`DURATION = 90`, true},
		{`status = "FAILED" OR DURATION > 60`, true},
	}

	for _, test := range tests {
		filter, err := ParseQuery(test.query)
		if err != nil {
			t.Fatalf("unexpected error parsing %q: %v", test.query, err)
		}
		assert.Equal(t, test.matches, filter.Matches(job), "query %q", test.query)
	}
}

func TestDurationFilterRequiresCompletedRun(t *testing.T) {
	filter, err := ParseQuery(`DURATION > 0`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := &database.ConversionJob{
		Status:    database.JobRunning,
		StartTime: sql.NullTime{Time: time.Now(), Valid: true},
	}
	assert.False(t, filter.Matches(job))
}
