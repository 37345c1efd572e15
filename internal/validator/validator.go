// Package validator implements the pure, side-effect-free QoS proof
// checks: quick validation of a single attestation, deep cross-checking
// of a set, conflict classification, and supplementary resolution. None
// of these functions perform I/O; they are safe to call from any
// goroutine without synchronization (spec §4.1).
package validator

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/WuDi329/one-node-committee/internal/qos"
)

const (
	maxProofAge        = 7 * 24 * time.Hour
	bitrateTolerance   = 0.05
	videoScoreTolerance = 3.0
	epsilon            = 1e-9
)

// QuickResult is the outcome of QuickValidate.
type QuickResult struct {
	Valid   bool
	Details string
}

// QuickValidate runs the structural, range, time and signature-presence
// checks on a single proof, first failure wins (spec §4.1). It is a pure
// function of its inputs — calling it twice with the same arguments
// yields the same result (law L3).
func QuickValidate(p qos.QoSProof, now time.Time) QuickResult {
	if p.TaskID == "" {
		return QuickResult{Valid: false, Details: "missing taskId"}
	}
	if p.VerifierID == "" {
		return QuickResult{Valid: false, Details: "missing verifierId"}
	}
	if p.Timestamp == 0 {
		return QuickResult{Valid: false, Details: "missing timestamp"}
	}
	if p.MediaSpecs == (qos.MediaSpecs{}) {
		return QuickResult{Valid: false, Details: "missing mediaSpecs"}
	}
	if p.Signature == "" {
		return QuickResult{Valid: false, Details: "missing signature"}
	}

	// overallScore is validated as present via its range below; Go's zero
	// value for float64 is indistinguishable from an explicit 0, so an
	// explicit "present" check would require a pointer or raw JSON — the
	// range check (§4.1 step 2) is sufficient for our wire representation.

	if p.VideoQualityData.OverallScore < 0 || p.VideoQualityData.OverallScore > 100 {
		return QuickResult{Valid: false, Details: "videoQualityData.overallScore out of range [0,100]"}
	}
	if p.MediaSpecs.Bitrate < 0 {
		return QuickResult{Valid: false, Details: "mediaSpecs.bitrate must be positive when present"}
	}

	nowMs := now.UnixMilli()
	if p.Timestamp > nowMs {
		return QuickResult{Valid: false, Details: "timestamp is in the future"}
	}
	if nowMs-p.Timestamp > maxProofAge.Milliseconds() {
		return QuickResult{Valid: false, Details: "timestamp older than 7 days"}
	}

	// Signature scheme is a pluggable primitive (spec §9); quick-validate
	// only checks non-emptiness here. No signing.Verifier is called on
	// the ingestion path either, so proof signatures are never checked
	// cryptographically.

	if len(p.VideoQualityData.GOPScores) == 0 {
		return QuickResult{Valid: false, Details: "gopScores is empty"}
	}

	return QuickResult{Valid: true}
}

// DeepResult is the outcome of DeepValidate.
type DeepResult struct {
	Valid                bool
	HasConflict          bool
	ConflictingVerifiers []string
	Reason               string
}

// DeepValidate cross-checks two or more proofs for the same task,
// failing on the first disagreement found (spec §4.1 table, evaluated in
// the table's order). Fewer than two proofs is not a conflict, just
// insufficient input.
func DeepValidate(proofs []qos.QoSProof) DeepResult {
	if len(proofs) < 2 {
		return DeepResult{Valid: false, Reason: "insufficient proofs for deep validation"}
	}

	verifierIDs := func(ps []qos.QoSProof) []string {
		ids := make([]string, len(ps))
		for i, p := range ps {
			ids[i] = p.VerifierID
		}
		return ids
	}

	// Codec
	for _, p := range proofs[1:] {
		if p.MediaSpecs.Codec != proofs[0].MediaSpecs.Codec {
			return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifierIDs(proofs), Reason: "codec mismatch across proofs"}
		}
	}

	// Resolution
	for _, p := range proofs[1:] {
		if p.MediaSpecs.Width != proofs[0].MediaSpecs.Width || p.MediaSpecs.Height != proofs[0].MediaSpecs.Height {
			return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifierIDs(proofs), Reason: "resolution mismatch across proofs"}
		}
	}

	// Bitrate within 5% of mean
	if reason, ok := checkWithinTolerance(proofs, func(p qos.QoSProof) float64 { return p.MediaSpecs.Bitrate }, bitrateTolerance, "bitrate deviates more than 5% from mean (bitrate conflict)"); !ok {
		return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifierIDs(proofs), Reason: reason}
	}

	// hasAudio
	for _, p := range proofs[1:] {
		if p.MediaSpecs.HasAudio != proofs[0].MediaSpecs.HasAudio {
			return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifierIDs(proofs), Reason: "hasAudio mismatch across proofs"}
		}
	}

	// Video overall score within ±3 of mean
	if reason, ok := checkWithinAbsolute(proofs, func(p qos.QoSProof) float64 { return p.VideoQualityData.OverallScore }, videoScoreTolerance, "video score deviates more than 3 points from mean (video score conflict)"); !ok {
		return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifierIDs(proofs), Reason: reason}
	}

	// Common GOP scores
	if ts, ok := findGOPMismatch(proofs); !ok {
		return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifierIDs(proofs), Reason: fmt.Sprintf("gop score mismatch at timestamp %s", ts)}
	}

	// Audio presence
	if proofs[0].MediaSpecs.HasAudio {
		for _, p := range proofs {
			if p.AudioQualityData == nil {
				return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifierIDs(proofs), Reason: "audio presence mismatch: hasAudio true but audioQualityData missing"}
			}
		}

		// Audio overall score must match exactly
		first := proofs[0].AudioQualityData.OverallScore
		for _, p := range proofs[1:] {
			if p.AudioQualityData.OverallScore != first {
				return DeepResult{Valid: false, HasConflict: true, ConflictingVerifiers: verifierIDs(proofs), Reason: "audio score mismatch across proofs"}
			}
		}
	}

	return DeepResult{Valid: true}
}

func checkWithinTolerance(proofs []qos.QoSProof, field func(qos.QoSProof) float64, tolerance float64, reason string) (string, bool) {
	mean := 0.0
	for _, p := range proofs {
		mean += field(p)
	}
	mean /= float64(len(proofs))
	if mean == 0 {
		return "", true
	}
	for _, p := range proofs {
		dev := math.Abs(field(p)-mean) / mean
		if dev > tolerance+epsilon {
			return reason, false
		}
	}
	return "", true
}

func checkWithinAbsolute(proofs []qos.QoSProof, field func(qos.QoSProof) float64, tolerance float64, reason string) (string, bool) {
	mean := 0.0
	for _, p := range proofs {
		mean += field(p)
	}
	mean /= float64(len(proofs))
	for _, p := range proofs {
		if math.Abs(field(p)-mean) > tolerance+epsilon {
			return reason, false
		}
	}
	return "", true
}

// findGOPMismatch returns the first GOP timestamp present in every proof
// whose score string disagrees across proofs, and ok=false. ok=true
// means all common GOP timestamps agree.
func findGOPMismatch(proofs []qos.QoSProof) (string, bool) {
	// Collect timestamps common to every proof.
	common := make(map[string]bool)
	for ts := range proofs[0].VideoQualityData.GOPScores {
		inAll := true
		for _, p := range proofs[1:] {
			if _, ok := p.VideoQualityData.GOPScores[ts]; !ok {
				inAll = false
				break
			}
		}
		if inAll {
			common[ts] = true
		}
	}

	timestamps := make([]string, 0, len(common))
	for ts := range common {
		timestamps = append(timestamps, ts)
	}
	sort.Strings(timestamps)

	for _, ts := range timestamps {
		first := proofs[0].VideoQualityData.GOPScores[ts]
		for _, p := range proofs[1:] {
			if p.VideoQualityData.GOPScores[ts] != first {
				return ts, false
			}
		}
	}
	return "", true
}

// ClassifyConflict maps a DeepValidate failure reason to a conflict
// class (spec §4.1).
func ClassifyConflict(reason string) qos.ConflictType {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "codec"),
		strings.Contains(lower, "resolution"),
		strings.Contains(lower, "gop"),
		strings.Contains(lower, "audio presence"),
		strings.Contains(lower, "audio score"),
		strings.Contains(lower, "hasaudio"):
		return qos.ConflictStructural
	case strings.Contains(lower, "video score"),
		strings.Contains(lower, "bitrate"):
		return qos.ConflictScore
	default:
		return qos.ConflictStructural
	}
}

// ResolveResult is the outcome of ResolveWithSupplementary.
type ResolveResult struct {
	Valid               bool
	ResolvedBy          string // "majority" | "statistical" | "manual"
	MajorityValue       string
	MedianValue         float64
	ReliableVerifiers   []string
	UnreliableVerifiers []string
	NeedsManualReview   bool
}

// ResolveWithSupplementary adjudicates a prior conflict using a third,
// supplementary attestation. It is a pure function of its inputs (law L2).
func ResolveWithSupplementary(original []qos.QoSProof, supplementary qos.QoSProof, conflictType qos.ConflictType, reason string) ResolveResult {
	all := append(append([]qos.QoSProof{}, original...), supplementary)

	if conflictType == qos.ConflictScore {
		return resolveScore(all, reason)
	}
	return resolveStructural(all, reason)
}

func resolveStructural(all []qos.QoSProof, reason string) ResolveResult {
	lower := strings.ToLower(reason)

	extract := func(p qos.QoSProof) string {
		switch {
		case strings.Contains(lower, "codec"):
			return p.MediaSpecs.Codec
		case strings.Contains(lower, "resolution"):
			return fmt.Sprintf("%dx%d", p.MediaSpecs.Width, p.MediaSpecs.Height)
		case strings.Contains(lower, "hasaudio"):
			return strconv.FormatBool(p.MediaSpecs.HasAudio)
		case strings.Contains(lower, "gop"):
			ts := extractGOPTimestamp(reason)
			return p.VideoQualityData.GOPScores[ts]
		case strings.Contains(lower, "audio"):
			if p.AudioQualityData == nil {
				return "missing"
			}
			return strconv.FormatFloat(p.AudioQualityData.OverallScore, 'f', -1, 64)
		default:
			return p.MediaSpecs.Codec
		}
	}

	tally := make(map[string][]string) // value -> verifierIDs
	for _, p := range all {
		v := extract(p)
		tally[v] = append(tally[v], p.VerifierID)
	}

	var majorityValue string
	maxCount := 0
	tied := false
	for v, ids := range tally {
		switch {
		case len(ids) > maxCount:
			maxCount = len(ids)
			majorityValue = v
			tied = false
		case len(ids) == maxCount && v != majorityValue:
			tied = true
		}
	}

	if maxCount < 2 || tied {
		return ResolveResult{Valid: false, NeedsManualReview: true, ResolvedBy: "manual"}
	}

	reliable := tally[majorityValue]
	var unreliable []string
	for v, ids := range tally {
		if v != majorityValue {
			unreliable = append(unreliable, ids...)
		}
	}

	return ResolveResult{
		Valid:               true,
		ResolvedBy:          "majority",
		MajorityValue:       majorityValue,
		ReliableVerifiers:   reliable,
		UnreliableVerifiers: unreliable,
	}
}

func extractGOPTimestamp(reason string) string {
	const marker = "gop score mismatch at timestamp "
	if idx := strings.Index(reason, marker); idx >= 0 {
		return strings.TrimSpace(reason[idx+len(marker):])
	}
	return ""
}

func resolveScore(all []qos.QoSProof, reason string) ResolveResult {
	lower := strings.ToLower(reason)

	field := func(p qos.QoSProof) float64 { return p.VideoQualityData.OverallScore }
	if strings.Contains(lower, "bitrate") {
		field = func(p qos.QoSProof) float64 { return p.MediaSpecs.Bitrate }
	}

	type entry struct {
		verifierID string
		value      float64
	}
	entries := make([]entry, len(all))
	values := make([]float64, len(all))
	for i, p := range all {
		entries[i] = entry{verifierID: p.VerifierID, value: field(p)}
		values[i] = field(p)
	}

	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	median := sorted[len(sorted)/2]
	if len(sorted)%2 == 0 {
		median = (sorted[len(sorted)/2-1] + sorted[len(sorted)/2]) / 2
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return math.Abs(entries[i].value-median) < math.Abs(entries[j].value-median)
	})

	reliableCount := len(entries) - 1
	if reliableCount < 1 {
		reliableCount = len(entries)
	}

	var reliable, unreliable []string
	for i, e := range entries {
		if i < reliableCount {
			reliable = append(reliable, e.verifierID)
		} else {
			unreliable = append(unreliable, e.verifierID)
		}
	}

	return ResolveResult{
		Valid:               true,
		ResolvedBy:          "statistical",
		MedianValue:         median,
		ReliableVerifiers:   reliable,
		UnreliableVerifiers: unreliable,
	}
}
