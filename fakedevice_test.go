package onvif

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/require"
)

// deviceRequest is one SOAP call seen by the fake device
type deviceRequest struct {
	Op     string
	Path   string
	HTTP   http.Header
	Header *etree.Element
	Body   *etree.Element
}

// HasSecurity reports whether the request carried a wsse:Security header
func (r deviceRequest) HasSecurity() bool {
	return r.Header != nil && r.Header.FindElement("./Security") != nil
}

// deviceHandler returns the payload placed inside s:Body and the HTTP status
type deviceHandler func(r deviceRequest) (string, int)

// fakeDevice is an httptest server speaking just enough ONVIF SOAP for tests.
// Calls are dispatched on the local name of the first body element.
type fakeDevice struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]deviceHandler
	requests []deviceRequest
}

func newFakeDevice(t *testing.T) *fakeDevice {
	d := &fakeDevice{t: t, handlers: make(map[string]deviceHandler)}
	d.server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.server.Close)

	d.handle("GetSystemDateAndTime", func(deviceRequest) (string, int) {
		return dateTimeReply(2024, 3, 1, 12, 0, 0), http.StatusOK
	})
	return d
}

func (d *fakeDevice) URL(path string) string {
	return d.server.URL + path
}

func (d *fakeDevice) DeviceURL() string {
	return d.URL("/onvif/device_service")
}

func (d *fakeDevice) handle(op string, h deviceHandler) {
	d.mu.Lock()
	d.handlers[op] = h
	d.mu.Unlock()
}

// reply registers a handler that always answers payload
func (d *fakeDevice) reply(op, payload string) {
	d.handle(op, func(deviceRequest) (string, int) { return payload, http.StatusOK })
}

// services makes GetServices list the given namespace -> path pairs
func (d *fakeDevice) services(paths map[string]string) {
	var b strings.Builder
	b.WriteString(`<tds:GetServicesResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl">`)
	for ns, path := range paths {
		fmt.Fprintf(&b, `<tds:Service><tds:Namespace>%s</tds:Namespace><tds:XAddr>%s</tds:XAddr></tds:Service>`, ns, d.URL(path))
	}
	b.WriteString(`</tds:GetServicesResponse>`)
	d.reply("GetServices", b.String())
}

func (d *fakeDevice) calls(op string) []deviceRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []deviceRequest
	for _, r := range d.requests {
		if r.Op == op {
			out = append(out, r)
		}
	}
	return out
}

func (d *fakeDevice) count(op string) int {
	return len(d.calls(op))
}

func (d *fakeDevice) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/snapshot.jpg" {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpegBytes)
		return
	}

	raw, err := io.ReadAll(r.Body)
	require.NoError(d.t, err)

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	env := doc.Root()
	req := deviceRequest{
		Path:   r.URL.Path,
		HTTP:   r.Header.Clone(),
		Header: env.SelectElement("Header"),
	}
	if body := env.SelectElement("Body"); body != nil && len(body.ChildElements()) > 0 {
		req.Body = body.ChildElements()[0]
		req.Op = req.Body.Tag
	}

	d.mu.Lock()
	d.requests = append(d.requests, req)
	h := d.handlers[req.Op]
	d.mu.Unlock()

	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	if h == nil {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, soapEnvelope(soapFaultBody("ActionNotSupported", "no handler for "+req.Op)))
		return
	}
	payload, status := h(req)
	w.WriteHeader(status)
	io.WriteString(w, soapEnvelope(payload))
}

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xff, 0xd9}

func soapEnvelope(body string) string {
	return `<?xml version="1.0" encoding="UTF-8"?>` +
		`<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope" xmlns:ter="http://www.onvif.org/ver10/error">` +
		`<s:Body>` + body + `</s:Body></s:Envelope>`
}

func soapFaultBody(subcode, reason string) string {
	return `<s:Fault><s:Code><s:Value>s:Sender</s:Value>` +
		`<s:Subcode><s:Value>ter:` + subcode + `</s:Value></s:Subcode></s:Code>` +
		`<s:Reason><s:Text xml:lang="en">` + reason + `</s:Text></s:Reason></s:Fault>`
}

func dateTimeReply(year, month, day, hour, minute, second int) string {
	return fmt.Sprintf(`<tds:GetSystemDateAndTimeResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">`+
		`<tds:SystemDateAndTime><tt:DateTimeType>NTP</tt:DateTimeType>`+
		`<tt:TimeZone><tt:TZ>UTC</tt:TZ></tt:TimeZone>`+
		`<tt:UTCDateTime><tt:Time><tt:Hour>%d</tt:Hour><tt:Minute>%d</tt:Minute><tt:Second>%d</tt:Second></tt:Time>`+
		`<tt:Date><tt:Year>%d</tt:Year><tt:Month>%d</tt:Month><tt:Day>%d</tt:Day></tt:Date></tt:UTCDateTime>`+
		`</tds:SystemDateAndTime></tds:GetSystemDateAndTimeResponse>`,
		hour, minute, second, year, month, day)
}

const media1ProfilesReply = `<trt:GetProfilesResponse xmlns:trt="http://www.onvif.org/ver10/media/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">` +
	`<trt:Profiles token="Profile_1"><tt:Name>mainStream</tt:Name>` +
	`<tt:VideoEncoderConfiguration token="VE_1"><tt:Encoding>H264</tt:Encoding>` +
	`<tt:Resolution><tt:Width>1920</tt:Width><tt:Height>1080</tt:Height></tt:Resolution>` +
	`<tt:RateControl><tt:FrameRateLimit>25</tt:FrameRateLimit><tt:BitrateLimit>4096</tt:BitrateLimit></tt:RateControl>` +
	`</tt:VideoEncoderConfiguration></trt:Profiles>` +
	`<trt:Profiles token="Profile_2"><tt:Name>subStream</tt:Name>` +
	`<tt:VideoEncoderConfiguration token="VE_2"><tt:Encoding>H264</tt:Encoding>` +
	`<tt:Resolution><tt:Width>640</tt:Width><tt:Height>360</tt:Height></tt:Resolution>` +
	`<tt:RateControl><tt:FrameRateLimit>15</tt:FrameRateLimit><tt:BitrateLimit>512</tt:BitrateLimit></tt:RateControl>` +
	`</tt:VideoEncoderConfiguration></trt:Profiles>` +
	`</trt:GetProfilesResponse>`

// serveMedia1 installs ver10 media handlers answering the two profiles above
func (d *fakeDevice) serveMedia1() {
	d.reply("GetProfiles", media1ProfilesReply)
	d.handle("GetStreamUri", func(r deviceRequest) (string, int) {
		token := r.Body.SelectElement("ProfileToken").Text()
		return `<trt:GetStreamUriResponse xmlns:trt="http://www.onvif.org/ver10/media/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">` +
			`<trt:MediaUri><tt:Uri>rtsp://camera/` + token + `</tt:Uri></trt:MediaUri></trt:GetStreamUriResponse>`, http.StatusOK
	})
	d.handle("GetSnapshotUri", func(r deviceRequest) (string, int) {
		return `<trt:GetSnapshotUriResponse xmlns:trt="http://www.onvif.org/ver10/media/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">` +
			`<trt:MediaUri><tt:Uri>` + d.URL("/snapshot.jpg") + `</tt:Uri></trt:MediaUri></trt:GetSnapshotUriResponse>`, http.StatusOK
	})
}
