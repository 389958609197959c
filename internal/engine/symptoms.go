package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-sentinel/internal/models"
)

// maxSymptoms bounds the symptom list handed to the matcher and reasoner.
const maxSymptoms = 12

// DeriveSymptoms distils buffered evidence into symptom strings. Error and
// warning logs contribute their payloads directly; metric samples contribute
// a symptom when they deviate from the window's median by more than three
// mean absolute deviations. Events and frames pass their payload through.
func DeriveSymptoms(units []models.ObservationUnit) []string {
	var symptoms []string
	seen := make(map[string]struct{})
	add := func(symptom string) {
		symptom = strings.TrimSpace(symptom)
		if symptom == "" {
			return
		}
		if _, dup := seen[symptom]; dup {
			return
		}
		seen[symptom] = struct{}{}
		symptoms = append(symptoms, symptom)
	}

	metricsBySeries := make(map[string][]models.ObservationUnit)
	for _, unit := range units {
		switch unit.Kind {
		case models.ObservationLog:
			severity := strings.ToLower(unit.Severity)
			if severity == "error" || severity == "warn" || severity == "warning" {
				add(unit.Payload)
			}
		case models.ObservationEvent:
			add(unit.Payload)
		case models.ObservationMetric:
			metricsBySeries[unit.Payload] = append(metricsBySeries[unit.Payload], unit)
		}
	}

	series := make([]string, 0, len(metricsBySeries))
	for name := range metricsBySeries {
		series = append(series, name)
	}
	sort.Strings(series)

	for _, name := range series {
		for _, spike := range metricSpikes(metricsBySeries[name]) {
			add(spike)
		}
	}

	if len(symptoms) > maxSymptoms {
		symptoms = symptoms[:maxSymptoms]
	}
	return symptoms
}

// metricSpikes flags samples deviating from the median by >= 3 MADs.
func metricSpikes(samples []models.ObservationUnit) []string {
	if len(samples) < 4 {
		return nil
	}

	values := make([]float64, 0, len(samples))
	for _, sample := range samples {
		values = append(values, sample.Value)
	}
	median := percentile(values, 0.5)
	mad := meanAbsoluteDeviation(values, median)
	if mad == 0 {
		mad = 1
	}

	var spikes []string
	for _, sample := range samples {
		score := math.Abs(sample.Value-median) / mad
		if score >= 3 {
			spikes = append(spikes, fmt.Sprintf("%s anomaly (value %.2f, baseline %.2f)",
				sample.Payload, sample.Value, median))
		}
	}
	return spikes
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Round(p * float64(len(sorted)-1)))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func meanAbsoluteDeviation(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += math.Abs(v - center)
	}
	return sum / float64(len(values))
}
