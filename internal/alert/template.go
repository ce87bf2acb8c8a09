package alert

import (
	"sort"
	"strconv"
	"strings"

	"github.com/moniwatch/moniwatch/internal/models"
)

// Variables maps placeholder names (without braces) to raw values.
type Variables map[string]string

// Render substitutes {name} placeholders in tmpl. Values pass through
// transform first, which is how MarkdownV2 escaping is applied to values
// while the template text itself stays author-controlled.
func Render(tmpl string, vars Variables, transform func(string) string) string {
	if len(vars) == 0 {
		return tmpl
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		v := vars[k]
		if transform != nil {
			v = transform(v)
		}
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// PriorityLabel renders the {priority} placeholder.
func PriorityLabel(priority string) string {
	if priority == "1" {
		return "NU"
	}
	return "URG"
}

// JobVariables builds the placeholders available to job alert templates.
func JobVariables(job *models.Job, result string, platformLabels map[string]string) Variables {
	platform := job.Platform
	if label, ok := platformLabels[platform]; ok {
		platform = label
	}
	if job.Kind == models.KindElastic {
		result = strings.ReplaceAll(result, ";", "")
	}
	return Variables{
		"id":       strconv.FormatInt(job.ID, 10),
		"asid":     job.Asid,
		"priority": PriorityLabel(job.Priority),
		"zh_name":  job.ZhName,
		"en_name":  job.EnName,
		"name":     job.Name(),
		"platform": platform,
		"descr":    job.Descr,
		"result":   result,
	}
}

// Button is an inline keyboard link.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// JobKeyboard returns the detail links attached to job alerts, or nil when
// no base URL is configured.
func JobKeyboard(baseURL string, jobID int64, logID, kibanaURL string) [][]Button {
	if baseURL == "" {
		return nil
	}
	base := strings.TrimRight(baseURL, "/")
	rows := [][]Button{{
		{Text: "JOB Details", URL: base + "/jobs/" + strconv.FormatInt(jobID, 10)},
		{Text: "LOG Details", URL: base + "/logs/" + logID},
	}}
	if kibanaURL != "" {
		rows = append(rows, []Button{{Text: "Kibana Link", URL: kibanaURL}})
	}
	return rows
}
