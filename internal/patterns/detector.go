package patterns

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ConfidenceFloor is the minimum confidence a detection needs to be emitted.
// Lower scores are almost always coincidental text matches.
const ConfidenceFloor = 0.3

// Node is one element of a content snapshot.
type Node struct {
	ID       string   `json:"id,omitempty"`
	Labels   []string `json:"labels,omitempty"`
	Text     string   `json:"text,omitempty"`
	Children []Node   `json:"children,omitempty"`
}

// Snapshot is the externally observed interface content at one instant.
// Any UI technology converts its content into this tree.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
}

// Count returns the number of nodes in the tree.
func (s *Snapshot) Count() int {
	if s == nil {
		return 0
	}
	n := 0
	var walk func([]Node)
	walk = func(nodes []Node) {
		for i := range nodes {
			n++
			walk(nodes[i].Children)
		}
	}
	walk(s.Nodes)
	return n
}

// flatNode is a node after flattening and normalisation.
type flatNode struct {
	ref    string
	labels map[string]bool
	text   string
}

// flatten walks the tree depth-first, pre-order. Nodes without an id are
// referenced by their position path, e.g. "0.2.1".
func (s *Snapshot) flatten() []flatNode {
	var out []flatNode
	var walk func(nodes []Node, prefix string)
	walk = func(nodes []Node, prefix string) {
		for i := range nodes {
			n := &nodes[i]
			path := fmt.Sprintf("%s%d", prefix, i)
			ref := n.ID
			if ref == "" {
				ref = path
			}
			labels := make(map[string]bool, len(n.Labels))
			for _, l := range n.Labels {
				if l = strings.TrimSpace(l); l != "" {
					labels[l] = true
				}
			}
			out = append(out, flatNode{ref: ref, labels: labels, text: normalizeText(n.Text)})
			walk(n.Children, path+".")
		}
	}
	walk(s.Nodes, "")
	return out
}

// normalizeText lower-cases and collapses whitespace.
func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Detection is one pattern observed in a snapshot.
type Detection struct {
	PatternID     string    `json:"patternId"`
	Category      Category  `json:"category"`
	HarmLevel     int       `json:"harmLevel"`
	Confidence    float64   `json:"confidence"`
	Severity      Severity  `json:"severity"`
	Evidence      []string  `json:"evidence"`
	ImmediateHarm float64   `json:"immediateHarm"`
	LongTermHarm  float64   `json:"longTermHarm"`
	Indicators    []string  `json:"indicators,omitempty"`
	DetectedAt    time.Time `json:"detectedAt"`
}

// Detector matches snapshots against a registry.
type Detector struct {
	registry *Registry
	now      func() time.Time
}

// NewDetector creates a detector over the given registry.
func NewDetector(registry *Registry) *Detector {
	return &Detector{registry: registry, now: time.Now}
}

// WithClock overrides the timestamp source (tests).
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Registry returns the registry the detector matches against.
func (d *Detector) Registry() *Registry { return d.registry }

// Detect returns every detection at or above the confidence floor, in
// registry id order. It never mutates its input.
func (d *Detector) Detect(snap *Snapshot) []Detection {
	return d.DetectAt(snap, d.now())
}

// DetectAt is Detect with an explicit timestamp, so replays stay identical.
func (d *Detector) DetectAt(snap *Snapshot, at time.Time) []Detection {
	if snap == nil || len(snap.Nodes) == 0 {
		return nil
	}
	nodes := snap.flatten()

	var out []Detection
	for _, id := range d.registry.order {
		def := d.registry.byID[id]
		if det, ok := match(def, nodes); ok {
			det.DetectedAt = at
			out = append(out, det)
		}
	}
	return out
}

// match evaluates one definition against the flattened nodes.
func match(def *PatternDefinition, nodes []flatNode) (Detection, bool) {
	var evidence []string
	matchedNodes := 0
	structural, textual := false, false

	for _, n := range nodes {
		hit := false
		for _, sel := range def.Criteria.Selectors {
			if n.labels[sel] {
				evidence = append(evidence, fmt.Sprintf("node %s carries label %q", n.ref, sel))
				structural, hit = true, true
			}
		}
		if n.text != "" {
			for _, cue := range def.Criteria.TextCues {
				if strings.Contains(n.text, cue) {
					evidence = append(evidence, fmt.Sprintf("node %s text contains %q", n.ref, cue))
					textual, hit = true, true
				}
			}
		}
		if hit {
			matchedNodes++
		}
	}
	if matchedNodes == 0 {
		return Detection{}, false
	}

	bonus := 0.0
	if structural && textual {
		bonus = def.Category.CategoryBonus()
	}
	confidence := math.Min(1.0, 0.2*float64(matchedNodes)+0.1*float64(len(evidence))+bonus)
	confidence = math.Round(confidence*1000) / 1000
	if confidence < ConfidenceFloor {
		return Detection{}, false
	}

	immediate, longTerm := EstimateHarm(def.Category, def.HarmLevel)
	return Detection{
		PatternID:     def.ID,
		Category:      def.Category,
		HarmLevel:     def.HarmLevel,
		Confidence:    confidence,
		Severity:      SeverityFor(def.HarmLevel, confidence),
		Evidence:      evidence,
		ImmediateHarm: immediate,
		LongTermHarm:  longTerm,
		Indicators:    append([]string(nil), def.Criteria.Indicators...),
	}, true
}

// SeverityFor buckets harm level × confidence.
func SeverityFor(harmLevel int, confidence float64) Severity {
	return bucketSeverity(float64(harmLevel) * confidence)
}

// EstimateHarm returns the immediate and long-term harm estimates for a
// detection. Long-term harm compounds with the harm level.
func EstimateHarm(c Category, harmLevel int) (immediate, longTerm float64) {
	immediate = c.BaseHarm()
	longTerm = immediate * float64(3+harmLevel)
	return immediate, longTerm
}
