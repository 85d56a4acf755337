package extract

import (
	"regexp"
	"strings"
)

// Segment classes for agent analysis lines.
const (
	ClassPlain       = "plain"
	ClassSuccess     = "success"
	ClassWarning     = "warning"
	ClassDanger      = "danger"
	ClassCalculation = "calculation"
)

var (
	successKeywords = []string{"Exact Match", "Matched", "Verified", "Normal", "Safe", "Approve", "Accept", "Success"}
	warningKeywords = []string{"Partial", "Overweight", "Manual Review"}
	dangerKeywords  = []string{"Mismatch", "Obese", "High Risk", "Decline", "Reject", "Critical", "Missing"}

	keywordClass   = map[string]string{}
	keywordPattern *regexp.Regexp
)

func init() {
	var alts []string
	for _, group := range []struct {
		class    string
		keywords []string
	}{
		{ClassSuccess, successKeywords},
		{ClassWarning, warningKeywords},
		{ClassDanger, dangerKeywords},
	} {
		for _, k := range group.keywords {
			keywordClass[k] = group.class
			alts = append(alts, regexp.QuoteMeta(k))
		}
	}
	keywordPattern = regexp.MustCompile(strings.Join(alts, "|"))
}

// Segment is a run of text within a thinking line.
type Segment struct {
	Text  string `json:"text"`
	Class string `json:"class"`
}

// ClassifyThinking splits an agent analysis line into highlighted segments.
// A line containing "=" is a calculation and stays whole.
func ClassifyThinking(line string) []Segment {
	if line == "" {
		return nil
	}
	if strings.Contains(line, "=") {
		return []Segment{{Text: line, Class: ClassCalculation}}
	}

	var segs []Segment
	last := 0
	for _, loc := range keywordPattern.FindAllStringIndex(line, -1) {
		if loc[0] > last {
			segs = append(segs, Segment{Text: line[last:loc[0]], Class: ClassPlain})
		}
		kw := line[loc[0]:loc[1]]
		segs = append(segs, Segment{Text: kw, Class: keywordClass[kw]})
		last = loc[1]
	}
	if last < len(line) {
		segs = append(segs, Segment{Text: line[last:], Class: ClassPlain})
	}
	return segs
}
