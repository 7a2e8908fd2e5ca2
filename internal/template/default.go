package template

import "github.com/znz-systems/relaywarm/internal/models"

func defaultTemplate(name string) *models.Template {
	return &models.Template{
		Name: name,
		Subjects: []string{
			"Quick note from {{domain}}",
			"Following up",
			"Checking in",
		},
		TextBody: "Hello {{recipient_name}},\n\nJust checking in from {{domain}}. Let us know if you have any questions.\n\nBest regards,\n{{prefix}}",
		HTMLBody: `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <style>
    body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background-color: #f4f4f7; margin: 0; padding: 0; }
    .container { max-width: 600px; margin: 40px auto; background-color: #ffffff; border-radius: 8px; padding: 32px; color: #333333; line-height: 1.6; }
  </style>
</head>
<body>
  <div class="container">
    <p>Hello {{recipient_name}},</p>
    <p>Just checking in from {{domain}}. Let us know if you have any questions.</p>
    <p>Best regards,<br>{{prefix}}</p>
  </div>
</body>
</html>`,
	}
}
