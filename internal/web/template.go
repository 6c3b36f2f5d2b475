package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/envctl/internal/report"
	"github.com/sweeney/envctl/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"stamp": func(t time.Time) string {
		if t.IsZero() {
			return "never"
		}
		return t.UTC().Format("2006-01-02T15:04:05Z")
	},
	"detail": report.Detail,
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>envctl</title>
<style>
body { font-family: monospace; max-width: 900px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
.on, .running { color: green; font-weight: bold; }
.off, .stopped { color: #888; }
.paused { color: orange; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>envctl</h1>

<h2>Controllers</h2>
<table>
<tr><th>ID</th><th>Kind</th><th>State</th><th>Period</th><th>Cycles</th><th>Last cycle</th><th>Detail</th></tr>
{{range .Runtime.Controllers}}<tr id="ctl-{{.ID}}"><td>{{.ID}}{{if .Name}} ({{.Name}}){{end}}</td><td>{{.Kind}}</td><td class="{{.State}}">{{.State}}</td><td>{{.Period}}s</td><td>{{.Cycles}}</td><td>{{stamp .LastCycle}}</td><td>{{detail .}}</td></tr>
{{else}}<tr><td colspan="7">none running</td></tr>
{{end}}</table>

<h2>Actuators</h2>
<table>
<tr><th>ID</th><th>State</th><th>Mode</th><th>Magnitude</th><th>Writer</th><th>Error</th></tr>
{{range .Runtime.Actuators}}<tr id="act-{{.ID}}"><td>{{.ID}}</td><td class="{{if .On}}on{{else}}off{{end}}">{{if .On}}ON{{else}}OFF{{end}}</td><td>{{.Mode}}</td><td>{{.Magnitude}}</td><td>{{.LastWriter}}</td><td>{{.LastError}}</td></tr>
{{end}}</table>

{{if .Runtime.Measurements}}<h2>Measurements</h2>
<table>
<tr><th>Device</th><th>Measurement</th><th>Value</th><th>Time</th></tr>
{{range .Runtime.Measurements}}<tr><td>{{.DeviceID}}</td><td>{{.Measurement}}</td><td>{{.Value}} {{.Unit}}</td><td>{{stamp .Time}}</td></tr>
{{end}}</table>
{{end}}
<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{stamp .StartTime}}</td></tr>
<tr><th>Config</th><td>{{.Config.Source}}</td></tr>
<tr><th>Store</th><td>{{.Config.Store}}</td></tr>
<tr><th>Sinks</th><td>{{range $i, $s := .Config.Sinks}}{{if $i}}, {{end}}{{$s}}{{end}}</td></tr>
<tr><th>Dropped</th><td>{{.Dropped}}</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/api/report">Report</a> | <a href="/metrics">Metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Uptime and Ready are methods; the template wants fields.
	data := struct {
		status.Snapshot
		Uptime time.Duration
		Ready  bool
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
		Ready:    snap.Ready(),
	}
	return indexTmpl.Execute(w, data)
}
