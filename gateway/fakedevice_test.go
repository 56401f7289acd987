package gateway

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
)

var operationPattern = regexp.MustCompile(`<(?:\w+:)?Body[^>]*>\s*<(?:\w+:)?(\w+)`)

// fakeCamera answers ONVIF SOAP calls by operation name with canned bodies
type fakeCamera struct {
	server *httptest.Server

	mu      sync.Mutex
	replies map[string]string
	calls   map[string]int
}

func newFakeCamera(t *testing.T) *fakeCamera {
	f := &fakeCamera{replies: make(map[string]string), calls: make(map[string]int)}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)

	f.reply("GetSystemDateAndTime", `<tds:GetSystemDateAndTimeResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">`+
		`<tds:SystemDateAndTime><tt:UTCDateTime><tt:Time><tt:Hour>8</tt:Hour><tt:Minute>30</tt:Minute><tt:Second>0</tt:Second></tt:Time>`+
		`<tt:Date><tt:Year>2024</tt:Year><tt:Month>5</tt:Month><tt:Day>17</tt:Day></tt:Date></tt:UTCDateTime></tds:SystemDateAndTime>`+
		`</tds:GetSystemDateAndTimeResponse>`)
	f.reply("GetServices", fmt.Sprintf(`<tds:GetServicesResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl">`+
		`<tds:Service><tds:Namespace>http://www.onvif.org/ver10/device/wsdl</tds:Namespace><tds:XAddr>%[1]s/onvif/device_service</tds:XAddr></tds:Service>`+
		`<tds:Service><tds:Namespace>http://www.onvif.org/ver10/media/wsdl</tds:Namespace><tds:XAddr>%[1]s/onvif/media</tds:XAddr></tds:Service>`+
		`<tds:Service><tds:Namespace>http://www.onvif.org/ver10/events/wsdl</tds:Namespace><tds:XAddr>%[1]s/onvif/events</tds:XAddr></tds:Service>`+
		`</tds:GetServicesResponse>`, f.server.URL))
	f.reply("GetDeviceInformation", `<tds:GetDeviceInformationResponse xmlns:tds="http://www.onvif.org/ver10/device/wsdl">`+
		`<tds:Manufacturer>Acme</tds:Manufacturer><tds:Model>Cam 3000</tds:Model><tds:FirmwareVersion>1.2.3</tds:FirmwareVersion>`+
		`<tds:SerialNumber>SN42</tds:SerialNumber><tds:HardwareId>HW1</tds:HardwareId></tds:GetDeviceInformationResponse>`)
	f.reply("GetProfiles", `<trt:GetProfilesResponse xmlns:trt="http://www.onvif.org/ver10/media/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">`+
		`<trt:Profiles token="Profile_1"><tt:Name>mainStream</tt:Name><tt:VideoEncoderConfiguration><tt:Encoding>H264</tt:Encoding>`+
		`<tt:Resolution><tt:Width>1920</tt:Width><tt:Height>1080</tt:Height></tt:Resolution>`+
		`<tt:RateControl><tt:FrameRateLimit>25</tt:FrameRateLimit><tt:BitrateLimit>4096</tt:BitrateLimit></tt:RateControl>`+
		`</tt:VideoEncoderConfiguration></trt:Profiles></trt:GetProfilesResponse>`)
	f.reply("GetStreamUri", `<trt:GetStreamUriResponse xmlns:trt="http://www.onvif.org/ver10/media/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">`+
		`<trt:MediaUri><tt:Uri>rtsp://camera/Profile_1</tt:Uri></trt:MediaUri></trt:GetStreamUriResponse>`)
	f.reply("GetSnapshotUri", `<trt:GetSnapshotUriResponse xmlns:trt="http://www.onvif.org/ver10/media/wsdl" xmlns:tt="http://www.onvif.org/ver10/schema">`+
		`<trt:MediaUri><tt:Uri>`+f.server.URL+`/snapshot.jpg</tt:Uri></trt:MediaUri></trt:GetSnapshotUriResponse>`)
	f.reply("CreatePullPointSubscription", `<tev:CreatePullPointSubscriptionResponse xmlns:tev="http://www.onvif.org/ver10/events/wsdl"`+
		` xmlns:wsa="http://www.w3.org/2005/08/addressing" xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2">`+
		`<tev:SubscriptionReference><wsa:Address>`+f.server.URL+`/onvif/subscription</wsa:Address></tev:SubscriptionReference>`+
		`<wsnt:CurrentTime>2024-05-17T08:30:00Z</wsnt:CurrentTime><wsnt:TerminationTime>2024-05-17T08:30:30Z</wsnt:TerminationTime>`+
		`</tev:CreatePullPointSubscriptionResponse>`)
	f.reply("PullMessages", `<tev:PullMessagesResponse xmlns:tev="http://www.onvif.org/ver10/events/wsdl" xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2" xmlns:tt="http://www.onvif.org/ver10/schema">`+
		`<tev:CurrentTime>2024-05-17T08:30:01Z</tev:CurrentTime><tev:TerminationTime>2024-05-17T08:30:30Z</tev:TerminationTime>`+
		`<wsnt:NotificationMessage><wsnt:Topic>tns1:RuleEngine/CellMotionDetector/Motion</wsnt:Topic>`+
		`<wsnt:Message><tt:Message UtcTime="2024-05-17T08:30:01Z" PropertyOperation="Changed">`+
		`<tt:Source><tt:SimpleItem Name="VideoSourceConfigurationToken" Value="VSC_1"/></tt:Source>`+
		`<tt:Data><tt:SimpleItem Name="IsMotion" Value="true"/></tt:Data></tt:Message></wsnt:Message>`+
		`</wsnt:NotificationMessage></tev:PullMessagesResponse>`)
	f.reply("Renew", `<wsnt:RenewResponse xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"><wsnt:TerminationTime>2024-05-17T08:31:00Z</wsnt:TerminationTime></wsnt:RenewResponse>`)
	f.reply("Unsubscribe", `<wsnt:UnsubscribeResponse xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"/>`)
	return f
}

func (f *fakeCamera) deviceURL() string {
	return f.server.URL + "/onvif/device_service"
}

func (f *fakeCamera) reply(op, body string) {
	f.mu.Lock()
	f.replies[op] = body
	f.mu.Unlock()
}

// drop makes op fail with a SOAP fault
func (f *fakeCamera) drop(op string) {
	f.mu.Lock()
	delete(f.replies, op)
	f.mu.Unlock()
}

func (f *fakeCamera) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeCamera) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/snapshot.jpg" {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff, 0xd9})
		return
	}

	raw, _ := io.ReadAll(r.Body)
	var op string
	if m := operationPattern.FindSubmatch(raw); m != nil {
		op = string(m[1])
	}

	f.mu.Lock()
	f.calls[op]++
	body, ok := f.replies[op]
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		body = `<s:Fault><s:Code><s:Value>s:Receiver</s:Value></s:Code><s:Reason><s:Text xml:lang="en">unsupported</s:Text></s:Reason></s:Fault>`
	}
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"><s:Body>%s</s:Body></s:Envelope>`, body)
}
