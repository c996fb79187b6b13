package core

import (
	"strings"

	"onnx-exporter/internal/database"
)

type Filter interface {
	Matches(job *database.ConversionJob) bool
}

func validField(name string) bool {
	switch name {
	case "status", "model", "repo", "error":
		return true
	}
	return false
}

func fieldValue(job *database.ConversionJob, field string) string {
	switch field {
	case "status":
		return job.Status
	case "model":
		return job.ModelId
	case "repo":
		return job.TargetRepo
	case "error":
		return job.Error
	}
	return ""
}

type AndFilter struct {
	filters []Filter
}

func (f *AndFilter) Matches(job *database.ConversionJob) bool {
	for _, filter := range f.filters {
		if !filter.Matches(job) {
			return false
		}
	}
	return true
}

type OrFilter struct {
	filters []Filter
}

func (f *OrFilter) Matches(job *database.ConversionJob) bool {
	for _, filter := range f.filters {
		if filter.Matches(job) {
			return true
		}
	}
	return false
}

type NotFilter struct {
	filter Filter
}

func (f *NotFilter) Matches(job *database.ConversionJob) bool {
	return !f.filter.Matches(job)
}

type DurationFilter struct {
	min int
	max int
}

func (f *DurationFilter) Matches(job *database.ConversionJob) bool {
	if !job.StartTime.Valid || !job.CompletionTime.Valid {
		return false
	}
	seconds := int(job.CompletionTime.Time.Sub(job.StartTime.Time).Seconds())
	return f.min < seconds && seconds < f.max
}

type SubstringFilter struct {
	field  string
	substr string
}

func (f *SubstringFilter) Matches(job *database.ConversionJob) bool {
	return strings.Contains(fieldValue(job, f.field), f.substr)
}

type StringEqFilter struct {
	field string
	value string
}

func (f *StringEqFilter) Matches(job *database.ConversionJob) bool {
	return fieldValue(job, f.field) == f.value
}

type StringLtFilter struct {
	field string
	value string
}

func (f *StringLtFilter) Matches(job *database.ConversionJob) bool {
	return fieldValue(job, f.field) < f.value
}

type StringGtFilter struct {
	field string
	value string
}

func (f *StringGtFilter) Matches(job *database.ConversionJob) bool {
	return fieldValue(job, f.field) > f.value
}
