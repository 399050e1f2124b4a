package httpapi

import (
	"html/template"
	"net/http"
)

var calendarCallbackPage = template.Must(template.New("calendar-callback").Parse(`<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Family Sync</title>
  <style>
    :root {
      --ink: #102223;
      --paper: #f8f4ea;
      --accent: #1f9d88;
      --danger: #c2483f;
    }
    body {
      margin: 0;
      min-height: 100vh;
      display: grid;
      place-items: center;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: var(--paper);
    }
    .card {
      max-width: 420px;
      padding: 24px;
      border-radius: 18px;
      background: #fffdf9;
      box-shadow: 0 18px 36px rgba(16, 34, 35, 0.16);
      text-align: center;
    }
    h2.ok { color: var(--accent); }
    h2.fail { color: var(--danger); }
  </style>
</head>
<body>
  <div class="card">
    {{if .OK}}
    <h2 class="ok">Calendar connected</h2>
    <p>You can close this window and go back to Family Sync.</p>
    <script>setTimeout(function () { window.close(); }, 3000);</script>
    {{else}}
    <h2 class="fail">Authorization failed</h2>
    <p>{{.Message}}</p>
    {{end}}
  </div>
</body>
</html>
`))

func writeCalendarPage(w http.ResponseWriter, status int, ok bool, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = calendarCallbackPage.Execute(w, struct {
		OK      bool
		Message string
	}{OK: ok, Message: message})
}
