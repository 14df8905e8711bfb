package email

import "fmt"

// LoginCodeHTML returns the HTML body for a sign-in verification code.
func LoginCodeHTML(code string, appName string, ttlMinutes int) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Your sign-in code</title>
</head>
<body style="margin:0;padding:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,Helvetica,Arial,sans-serif;background-color:#f4f5f7;">
<table width="100%%" cellpadding="0" cellspacing="0" style="background-color:#f4f5f7;padding:40px 0;">
<tr><td align="center">
<table width="480" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;">
  <tr><td style="padding:32px 40px 16px;text-align:center;">
    <h1 style="margin:0;font-size:22px;color:#1a1a2e;">Sign-in verification</h1>
  </td></tr>
  <tr><td style="padding:0 40px;">
    <p style="margin:0 0 24px;font-size:15px;color:#4a4a68;line-height:1.6;">
      Someone signed in to <strong>%s</strong> with your password. Enter this code to finish signing in.
    </p>
  </td></tr>
  <tr><td style="padding:0 40px;text-align:center;">
    <div style="display:inline-block;border:2px solid #2d6cdf;border-radius:6px;padding:14px 36px;margin:0 0 24px;">
      <span style="font-family:'Courier New',monospace;font-size:32px;font-weight:bold;letter-spacing:8px;color:#1a1a2e;">%s</span>
    </div>
  </td></tr>
  <tr><td style="padding:0 40px 32px;">
    <p style="margin:0;font-size:13px;color:#8888a0;line-height:1.5;">
      The code expires in <strong>%d minutes</strong>. If this was not you, change your password and contact the service desk.
    </p>
  </td></tr>
</table>
</td></tr>
</table>
</body>
</html>`, appName, code, ttlMinutes)
}

// LoginCodeText returns the plain-text body for a sign-in verification code.
func LoginCodeText(code string, appName string, ttlMinutes int) string {
	return fmt.Sprintf(`Sign-in verification

Someone signed in to %s with your password. Enter this code to finish signing in.

Your code: %s

The code expires in %d minutes. If this was not you, change your password and contact the service desk.

- %s`, appName, code, ttlMinutes, appName)
}

// LoginCodeSMS returns the short message sent over SMS.
func LoginCodeSMS(code string, appName string, ttlMinutes int) string {
	return fmt.Sprintf("%s sign-in code: %s (expires in %d min)", appName, code, ttlMinutes)
}
