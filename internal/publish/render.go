package publish

import (
	"bytes"
	"html/template"

	"github.com/chrislombaard/letterd/internal/domain"
)

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="margin:0;padding:24px;font-family:-apple-system,'Segoe UI',Roboto,Arial,sans-serif;line-height:1.6;color:#000">
<div style="max-width:600px;margin:0 auto">
<h1 style="font-size:24px">{{.Title}}</h1>
{{.Body}}
<hr style="border:0;border-top:1px solid #000;margin:32px 0 16px">
<p style="font-size:12px;color:#666"><a href="{{.UnsubscribeURL}}">Unsubscribe</a></p>
</div>
</body>
</html>
`))

type emailData struct {
	Title          string
	Subject        string
	Body           template.HTML
	UnsubscribeURL string
}

// Render wraps a post body in the newsletter layout. The body is author
// content and is inserted unescaped.
func Render(post domain.Post, unsubscribeURL string) (string, error) {
	if unsubscribeURL == "" {
		unsubscribeURL = "#"
	}
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, emailData{
		Title:          post.Title,
		Subject:        post.Subject,
		Body:           template.HTML(post.BodyHTML),
		UnsubscribeURL: unsubscribeURL,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
