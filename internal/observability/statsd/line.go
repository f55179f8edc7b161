package statsd

import (
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// kind is the StatsD metric type suffix.
type kind string

const (
	kindCounter kind = "c"
	kindGauge   kind = "g"
	kindTiming  kind = "ms"
)

var nameReplacer = strings.NewReplacer(" ", "_", "/", "_", ":", "_", "|", "_", "@", "_", "#", "_")

// encodeLine renders one datagram in DogStatsD form: name:value|kind|#k:v,...
// It returns "" when the name is empty after cleaning.
func encodeLine(prefix, name, value string, k kind, tags map[string]string) string {
	metric := joinName(prefix, cleanName(name))
	if metric == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(metric) + len(value) + 8 + 16*len(tags))
	b.WriteString(metric)
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte('|')
	b.WriteString(string(k))
	if len(tags) > 0 {
		b.WriteString("|#")
		for i, key := range slices.Sorted(maps.Keys(tags)) {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(key)
			b.WriteByte(':')
			b.WriteString(tags[key])
		}
	}
	return b.String()
}

func joinName(prefix, name string) string {
	switch {
	case name == "":
		return ""
	case prefix == "":
		return name
	default:
		return prefix + "." + name
	}
}

// cleanPrefix trims whitespace and surrounding dots.
func cleanPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), ".")
}

// cleanName maps characters reserved by the line protocol to underscores and collapses
// empty path segments.
func cleanName(name string) string {
	n := nameReplacer.Replace(strings.TrimSpace(name))
	parts := strings.Split(n, ".")
	parts = slices.DeleteFunc(parts, func(s string) bool { return s == "" })
	return strings.Join(parts, ".")
}

// mergeTags layers local over base, trimming keys and values and dropping empty keys.
func mergeTags(base, local map[string]string) map[string]string {
	if len(base) == 0 && len(local) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(local))
	for _, src := range []map[string]string{base, local} {
		for k, v := range src {
			if key := strings.TrimSpace(k); key != "" {
				out[key] = strings.TrimSpace(v)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func counterValue(v int64) string { return strconv.FormatInt(v, 10) }

func gaugeValue(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func timingValue(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', -1, 64)
}
