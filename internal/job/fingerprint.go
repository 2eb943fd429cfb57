package job

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Params is the set of inputs a stage depends on.
type Params map[string]string

// Fingerprint digests params into a stable hex key. Keys are sorted so
// construction order never changes the result.
func (p Params) Fingerprint() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p[k])
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Params returns the parameter subset the stage output depends on.
func (j Job) Params(stage Stage) Params {
	p := Params{"source": j.Source.Identity}
	switch stage {
	case StageDownload:
	case StageTranscribe:
		p["model"] = string(j.Model)
	case StageDetect, StageMerge:
		p["model"] = string(j.Model)
		p["sensitivity"] = formatSensitivity(j.Sensitivity)
		p["detect_slides"] = strconv.FormatBool(j.DetectSlides)
	default:
		p["stage"] = string(stage)
	}
	return p
}

// Fingerprint is the cache key for the stage's output.
func (j Job) Fingerprint(stage Stage) string {
	return j.Params(stage).Fingerprint()
}

func formatSensitivity(v float64) string {
	return fmt.Sprintf("%.4f", v)
}
