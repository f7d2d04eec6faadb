package httpd

import "html/template"

var loginTpl = template.Must(template.New("login").Parse(`<!doctype html>
<html><head><title>Sign in</title></head><body>
<h1>Sign in</h1>
{{if .Error}}<p style="color:#b00">{{.Error}}</p>{{end}}
<form method="post" action="/login">
  <label>Username <input type="text" name="username" autofocus></label><br>
  <label>Password <input type="password" name="password"></label><br>
  <button type="submit" name="action" value="login">Sign in</button>
  <button type="submit" name="action" value="deny">Cancel</button>
</form>
</body></html>`))

var errorTpl = template.Must(template.New("error").Parse(`<!doctype html>
<html><head><title>Sign-in error</title></head><body>
<h1>Sign-in error</h1>
<p>The sign-in request could not be processed. Please return to the
application and try again.</p>
</body></html>`))

var loggedOutTpl = template.Must(template.New("loggedout").Parse(`<!doctype html>
<html><head><title>Signed out</title></head><body>
<h1>Signed out</h1>
<p>You have been signed out.</p>
</body></html>`))
