package dispatch

import (
	"encoding/json"

	"github.com/inkbrow/capi-relay/internal/domain"
	"github.com/inkbrow/capi-relay/internal/pkg/logger"
	"github.com/osteele/liquid"
)

// ClientCall is the browser half of a dual-channel event: the pixel call to
// make and a script that makes it.
type ClientCall struct {
	// Method is "track" for standard events and "trackCustom" otherwise.
	Method    string         `json:"method"`
	EventName string         `json:"event_name"`
	EventID   string         `json:"event_id"`
	Params    map[string]any `json:"params,omitempty"`
	Standard  bool           `json:"standard"`
	Script    string         `json:"script,omitempty"`
}

// ClientOption adjusts the rendered script.
type ClientOption func(*clientOptions)

type clientOptions struct {
	beaconURL  string
	beaconBody any
	redirect   string
}

// WithBeacon makes the script post body to url with navigator.sendBeacon,
// which the browser keeps sending after the page unloads.
func WithBeacon(url string, body any) ClientOption {
	return func(o *clientOptions) {
		o.beaconURL = url
		o.beaconBody = body
	}
}

// WithRedirect makes the script navigate to url once the beacon is queued.
func WithRedirect(url string) ClientOption {
	return func(o *clientOptions) { o.redirect = url }
}

const (
	pixelFirstWaitMillis = 50
	pixelMaxStepMillis   = 1600
	pixelMaxWaitMillis   = 6000
)

// The pixel loads asynchronously. The script retries with doubling delays
// and gives up after pixel_max_wait ms; a dropped call only reaches the
// console.
const pixelScript = `(function(){
  var name = {{ event_name }}, params = {{ params }}, opts = {eventID: {{ event_id }}};
  var fired = false;
  function fire() {
    if (fired) { return true; }
    if (typeof window.fbq !== "function") { return false; }
    window.fbq({{ method }}, name, params, opts);
    fired = true;
    return true;
  }
{% if beacon %}
  fire();
  var body = {{ beacon_body }}, sent = false;
  if (navigator.sendBeacon) {
    sent = navigator.sendBeacon({{ beacon_url }}, new Blob([body], {type: "text/plain"}));
  }
  if (!sent && window.fetch) {
    fetch({{ beacon_url }}, {method: "POST", body: body, keepalive: true, headers: {"Content-Type": "text/plain"}});
  }
{% if redirect %}
  window.location.href = {{ redirect_url }};
{% endif %}
{% else %}
  var delay = {{ first_wait }}, waited = 0;
  (function wait() {
    if (fire()) { return; }
    if (waited >= {{ max_wait }}) {
      if (window.console && console.debug) { console.debug("fbq unavailable, event dropped", name, opts.eventID); }
      return;
    }
    setTimeout(function() { waited += delay; delay = Math.min(delay * 2, {{ max_step }}); wait(); }, delay);
  })();
{% endif %}
})();
`

type snippetRenderer struct {
	tpl *liquid.Template
}

func newSnippetRenderer() *snippetRenderer {
	tpl, err := liquid.NewEngine().ParseString(pixelScript)
	if err != nil {
		panic("dispatch: pixel script template: " + err.Error())
	}
	return &snippetRenderer{tpl: tpl}
}

func (r *snippetRenderer) render(call ClientCall, o clientOptions) (string, error) {
	bindings := liquid.Bindings{
		"event_name": jsLiteral(call.EventName),
		"event_id":   jsLiteral(call.EventID),
		"method":     jsLiteral(call.Method),
		"params":     jsLiteral(call.Params),
		"first_wait": pixelFirstWaitMillis,
		"max_step":   pixelMaxStepMillis,
		"max_wait":   pixelMaxWaitMillis,
		"beacon":     o.beaconURL != "",
		"redirect":   o.redirect != "",
	}
	if o.beaconURL != "" {
		body, err := json.Marshal(o.beaconBody)
		if err != nil {
			return "", err
		}
		bindings["beacon_url"] = jsLiteral(o.beaconURL)
		bindings["beacon_body"] = jsLiteral(string(body))
		bindings["redirect_url"] = jsLiteral(o.redirect)
	}
	out, err := r.tpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

// jsLiteral encodes v as a JavaScript literal. encoding/json escapes <, >
// and &, so the result is safe inside a <script> element.
func jsLiteral(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// DispatchClientSide returns the pixel call for evt. It has no side effects
// on the server; the browser runs Script, and a pixel that never loads only
// costs the client-side copy of the event.
func (d *Dispatcher) DispatchClientSide(evt domain.TrackingEvent, opts ...ClientOption) ClientCall {
	call := ClientCall{
		Method:    "trackCustom",
		EventName: string(evt.Name),
		EventID:   evt.ID,
		Params:    pixelParams(evt.CustomData),
		Standard:  evt.Name.IsStandard(),
	}
	if call.Standard {
		call.Method = "track"
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	script, err := d.snippets.render(call, o)
	if err != nil {
		logger.Warn("pixel_script_render_failed", "event_id", evt.ID, "error", err.Error())
		return call
	}
	call.Script = script
	return call
}

func pixelParams(custom map[string]any) map[string]any {
	if len(custom) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(custom))
	for k, v := range custom {
		out[k] = v
	}
	return out
}
