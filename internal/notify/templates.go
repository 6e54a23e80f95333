package notify

import (
	"bytes"
	"fmt"
	"html/template"
)

var templates = template.Must(template.New("mail").Parse(`
{{define "confirmation"}}<div style="font-family:sans-serif">
<h2 style="color:#d6336c">{{.Event}}: your passes are confirmed</h2>
<p>Hi {{.Name}},</p>
<p>We received your payment of &#8377;{{.Amount}} for order <b>{{.OrderID}}</b>.</p>
<p>Passes issued: <b>{{.Issued}}</b> of {{.Passes}}.{{if .Partial}} Some passes are still being processed, our team will follow up.{{end}}</p>
{{if .Recipients}}<p>Pass holders:</p><ul>{{range .Recipients}}<li>{{.}}</li>{{end}}</ul>{{end}}
<p>Show the attached QR code at the entrance.</p>
{{if .StatusURL}}<p><a href="{{.StatusURL}}">Check your order status</a></p>{{end}}
</div>{{end}}

{{define "donor"}}<div style="font-family:sans-serif">
<h2 style="color:#d6336c">Thank you for supporting {{.Event}}</h2>
<p>Dear {{.Name}},</p>
<p>Your contribution of &#8377;{{.Amount}}{{if .Club}} on behalf of {{.Club}}{{end}} helps fund breast cancer awareness and screening.</p>
{{if gt .Passes 0}}<p>As a thank-you, {{.Passes}} complimentary pass(es) have been issued with this donation.</p>{{end}}
</div>{{end}}

{{define "headsup"}}<div style="font-family:sans-serif">
<h2 style="color:#d6336c">You're on the list for {{.Event}}</h2>
<p>{{.Name}} has booked a pass for you. Your registration confirmation will arrive separately from our ticketing partner.</p>
</div>{{end}}

{{define "admin"}}<div style="font-family:monospace">
<h3>{{.Subject}}</h3>
<p>Order: {{.OrderID}} ({{.Type}})</p>
<p>Purchaser: {{.Name}} &lt;{{.Email}}&gt; {{.Phone}}</p>
<p>Passes: {{.Issued}} issued of {{.Passes}}</p>
<pre>{{.Detail}}</pre>
</div>{{end}}
`))

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}
