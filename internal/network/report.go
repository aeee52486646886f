package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/microstorm/bletrack/internal/config"
	"github.com/microstorm/bletrack/internal/localizer"
)

// TopicPrefix is prepended to the anchor id to form its topic, e.g. "ap3".
const TopicPrefix = "ap"

// ErrInvalidReport is returned for reports that cannot be turned into a
// reading.
var ErrInvalidReport = errors.New("network: invalid report")

// Kind says what a report carries.
type Kind string

const (
	KindRSSI     Kind = "rssi"     // raw RSSI, smoothed by the host
	KindDistance Kind = "distance" // distance already smoothed by the anchor
)

// Report is one anchor measurement sent over UDP as a JSON object.
type Report struct {
	Topic     string  `json:"topic"`
	Anchor    int     `json:"anchor"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	RSSI      float64 `json:"rssi,omitempty"`
	Distance  float64 `json:"distance,omitempty"`
	Kind      Kind    `json:"kind"`
	Timestamp int64   `json:"ts"` // unix nanoseconds, 0 if unknown
}

// TopicForAnchor returns the topic an anchor publishes on.
func TopicForAnchor(id int) string {
	return TopicPrefix + strconv.Itoa(id)
}

// ParseTopic extracts the anchor id from a topic. The last run of digits in
// the topic is the id; it must lie in 1..config.MaxAnchors.
func ParseTopic(topic string) (int, error) {
	num, found := 0, false
	for i := 0; i < len(topic); {
		if topic[i] < '0' || topic[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(topic) && topic[j] >= '0' && topic[j] <= '9' {
			j++
		}
		n, err := strconv.Atoi(topic[i:j])
		if err != nil {
			return 0, fmt.Errorf("%w: topic %q: %v", ErrInvalidReport, topic, err)
		}
		num, found = n, true
		i = j
	}
	if !found {
		return 0, fmt.Errorf("%w: topic %q has no anchor id", ErrInvalidReport, topic)
	}
	if num < 1 || num > config.MaxAnchors {
		return 0, fmt.Errorf("%w: topic %q anchor %d out of range 1..%d", ErrInvalidReport, topic, num, config.MaxAnchors)
	}
	return num, nil
}

// DecodeReport parses and checks one datagram.
func DecodeReport(data []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if r.Topic != "" {
		id, err := ParseTopic(r.Topic)
		if err != nil {
			return Report{}, err
		}
		if r.Anchor != 0 && r.Anchor != id {
			return Report{}, fmt.Errorf("%w: topic %q disagrees with anchor %d", ErrInvalidReport, r.Topic, r.Anchor)
		}
		r.Anchor = id
	}
	if r.Anchor < 1 || r.Anchor > config.MaxAnchors {
		return Report{}, fmt.Errorf("%w: anchor %d out of range", ErrInvalidReport, r.Anchor)
	}
	switch r.Kind {
	case KindRSSI:
		if math.IsNaN(r.RSSI) || math.IsInf(r.RSSI, 0) {
			return Report{}, fmt.Errorf("%w: rssi %v", ErrInvalidReport, r.RSSI)
		}
	case KindDistance:
		if r.Distance < 0 || math.IsNaN(r.Distance) || math.IsInf(r.Distance, 0) {
			return Report{}, fmt.Errorf("%w: distance %v", ErrInvalidReport, r.Distance)
		}
	default:
		return Report{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidReport, r.Kind)
	}
	return r, nil
}

// Encode marshals the report, filling in the topic from the anchor id.
func (r Report) Encode() ([]byte, error) {
	if r.Topic == "" {
		r.Topic = TopicForAnchor(r.Anchor)
	}
	return json.Marshal(r)
}

// Reading converts the report to a localizer reading.
func (r Report) Reading() localizer.Reading {
	reading := localizer.Reading{AnchorID: r.Anchor}
	if r.Timestamp != 0 {
		reading.At = time.Unix(0, r.Timestamp)
	}
	if r.Kind == KindRSSI {
		reading.RSSI = r.RSSI
		reading.HasRSSI = true
	} else {
		reading.Distance = r.Distance
	}
	return reading
}
