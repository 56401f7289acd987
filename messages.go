package onvif

import (
	"encoding/xml"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
)

// SOAP actions
const (
	actionGetSystemDateAndTime = DeviceNamespace + "/GetSystemDateAndTime"
	actionGetServices          = DeviceNamespace + "/GetServices"
	actionGetDeviceInformation = DeviceNamespace + "/GetDeviceInformation"

	actionMediaGetProfiles     = MediaNamespace + "/GetProfiles"
	actionMediaGetStreamUri    = MediaNamespace + "/GetStreamUri"
	actionMediaGetSnapshotUri  = MediaNamespace + "/GetSnapshotUri"
	actionMedia2GetProfiles    = Media2Namespace + "/GetProfiles"
	actionMedia2GetStreamUri   = Media2Namespace + "/GetStreamUri"
	actionMedia2GetSnapshotUri = Media2Namespace + "/GetSnapshotUri"

	actionPTZGetNodes = PTZNamespace + "/GetNodes"

	actionCreatePullPointSubscription = EventsNamespace + "/EventPortType/CreatePullPointSubscriptionRequest"
	actionPullMessages                = EventsNamespace + "/PullPointSubscription/PullMessagesRequest"
	actionRenew                       = notificationNamespace + "/SubscriptionManager/RenewRequest"
	actionUnsubscribe                 = notificationNamespace + "/SubscriptionManager/UnsubscribeRequest"
)

// Device

type getSystemDateAndTime struct {
	XMLName xml.Name `xml:"http://www.onvif.org/ver10/device/wsdl GetSystemDateAndTime"`
}

type getSystemDateAndTimeResponse struct {
	SystemDateAndTime struct {
		TimeZone struct {
			TZ string `xml:"TZ"`
		} `xml:"TimeZone"`
		UTCDateTime *struct {
			Time struct {
				Hour   int `xml:"Hour"`
				Minute int `xml:"Minute"`
				Second int `xml:"Second"`
			} `xml:"Time"`
			Date struct {
				Year  int `xml:"Year"`
				Month int `xml:"Month"`
				Day   int `xml:"Day"`
			} `xml:"Date"`
		} `xml:"UTCDateTime"`
	} `xml:"SystemDateAndTime"`
}

type getServices struct {
	XMLName           xml.Name `xml:"http://www.onvif.org/ver10/device/wsdl GetServices"`
	IncludeCapability bool     `xml:"IncludeCapability"`
}

type getServicesResponse struct {
	Service []struct {
		Namespace string `xml:"Namespace"`
		XAddr     string `xml:"XAddr"`
	} `xml:"Service"`
}

type getDeviceInformation struct {
	XMLName xml.Name `xml:"http://www.onvif.org/ver10/device/wsdl GetDeviceInformation"`
}

// Media (ver10)

type mediaGetProfiles struct {
	XMLName xml.Name `xml:"http://www.onvif.org/ver10/media/wsdl GetProfiles"`
}

type mediaGetProfilesResponse struct {
	Profiles []struct {
		Token                     string `xml:"token,attr"`
		Name                      string `xml:"Name"`
		VideoEncoderConfiguration struct {
			Token       string     `xml:"token,attr"`
			Encoding    string     `xml:"Encoding"`
			Resolution  Resolution `xml:"Resolution"`
			RateControl struct {
				FrameRateLimit int `xml:"FrameRateLimit"`
				BitrateLimit   int `xml:"BitrateLimit"`
			} `xml:"RateControl"`
		} `xml:"VideoEncoderConfiguration"`
	} `xml:"Profiles"`
}

type streamSetup struct {
	Stream    string `xml:"http://www.onvif.org/ver10/schema Stream"`
	Transport struct {
		Protocol string `xml:"http://www.onvif.org/ver10/schema Protocol"`
	} `xml:"http://www.onvif.org/ver10/schema Transport"`
}

type mediaGetStreamUri struct {
	XMLName      xml.Name    `xml:"http://www.onvif.org/ver10/media/wsdl GetStreamUri"`
	StreamSetup  streamSetup `xml:"StreamSetup"`
	ProfileToken string      `xml:"ProfileToken"`
}

type mediaGetSnapshotUri struct {
	XMLName      xml.Name `xml:"http://www.onvif.org/ver10/media/wsdl GetSnapshotUri"`
	ProfileToken string   `xml:"ProfileToken"`
}

type mediaUriResponse struct {
	MediaUri struct {
		Uri string `xml:"Uri"`
	} `xml:"MediaUri"`
}

// Media2 (ver20)

type media2GetProfiles struct {
	XMLName xml.Name `xml:"http://www.onvif.org/ver20/media/wsdl GetProfiles"`
	Type    []string `xml:"Type"`
}

type media2GetProfilesResponse struct {
	Profiles []struct {
		Token          string `xml:"token,attr"`
		Name           string `xml:"Name"`
		Configurations struct {
			VideoEncoder struct {
				Token       string     `xml:"token,attr"`
				Encoding    string     `xml:"Encoding"`
				Resolution  Resolution `xml:"Resolution"`
				RateControl struct {
					FrameRateLimit float64 `xml:"FrameRateLimit"`
					BitrateLimit   int     `xml:"BitrateLimit"`
				} `xml:"RateControl"`
			} `xml:"VideoEncoder"`
		} `xml:"Configurations"`
	} `xml:"Profiles"`
}

type media2GetStreamUri struct {
	XMLName      xml.Name `xml:"http://www.onvif.org/ver20/media/wsdl GetStreamUri"`
	Protocol     string   `xml:"Protocol"`
	ProfileToken string   `xml:"ProfileToken"`
}

type media2GetSnapshotUri struct {
	XMLName      xml.Name `xml:"http://www.onvif.org/ver20/media/wsdl GetSnapshotUri"`
	ProfileToken string   `xml:"ProfileToken"`
}

type media2UriResponse struct {
	Uri string `xml:"Uri"`
}

// PTZ

type ptzGetNodes struct {
	XMLName xml.Name `xml:"http://www.onvif.org/ver20/ptz/wsdl GetNodes"`
}

type ptzGetNodesResponse struct {
	PTZNode []PTZNode `xml:"PTZNode"`
}

// Events

type createPullPointSubscription struct {
	XMLName                xml.Name `xml:"http://www.onvif.org/ver10/events/wsdl CreatePullPointSubscription"`
	InitialTerminationTime string   `xml:"InitialTerminationTime,omitempty"`
}

type createPullPointSubscriptionResponse struct {
	SubscriptionReference struct {
		Address string `xml:"Address"`
	} `xml:"SubscriptionReference"`
	CurrentTime     string `xml:"CurrentTime"`
	TerminationTime string `xml:"TerminationTime"`

	referenceParameters []*etree.Element
}

// decodeElement keeps the reference parameters as elements so they can be
// echoed verbatim, namespaces included
func (r *createPullPointSubscriptionResponse) decodeElement(e *etree.Element) error {
	ref := childElement(e, "SubscriptionReference")
	params := childElement(ref, "ReferenceParameters")
	if params == nil {
		return nil
	}
	for _, p := range params.ChildElements() {
		r.referenceParameters = append(r.referenceParameters, detachWithNamespaces(p))
	}
	return nil
}

type pullMessages struct {
	XMLName      xml.Name `xml:"http://www.onvif.org/ver10/events/wsdl PullMessages"`
	Timeout      string   `xml:"Timeout"`
	MessageLimit int      `xml:"MessageLimit"`
}

type pullMessagesResponse struct {
	CurrentTime         string                `xml:"CurrentTime"`
	TerminationTime     string                `xml:"TerminationTime"`
	NotificationMessage []NotificationMessage `xml:"NotificationMessage"`
}

type renew struct {
	XMLName         xml.Name `xml:"http://docs.oasis-open.org/wsn/b-2 Renew"`
	TerminationTime string   `xml:"TerminationTime"`
}

type renewResponse struct {
	TerminationTime string `xml:"TerminationTime"`
	CurrentTime     string `xml:"CurrentTime"`
}

type unsubscribe struct {
	XMLName xml.Name `xml:"http://docs.oasis-open.org/wsn/b-2 Unsubscribe"`
}

// NotificationMessage is one event delivered by PullMessages
type NotificationMessage struct {
	Topic   Topic        `xml:"Topic" json:"topic"`
	Message EventMessage `xml:"Message>Message" json:"message"`
}

// Topic identifies the event source, e.g. tns1:RuleEngine/CellMotionDetector/Motion
type Topic struct {
	Dialect string `xml:"Dialect,attr" json:"dialect,omitempty"`
	Value   string `xml:",chardata" json:"value"`
}

// EventMessage is the tt:Message payload of a notification
type EventMessage struct {
	UtcTime           string       `xml:"UtcTime,attr" json:"utcTime"`
	PropertyOperation string       `xml:"PropertyOperation,attr" json:"propertyOperation,omitempty"`
	Source            []SimpleItem `xml:"Source>SimpleItem" json:"source,omitempty"`
	Key               []SimpleItem `xml:"Key>SimpleItem" json:"key,omitempty"`
	Data              []SimpleItem `xml:"Data>SimpleItem" json:"data,omitempty"`
}

// SimpleItem is a name/value pair inside an event message
type SimpleItem struct {
	Name  string `xml:"Name,attr" json:"name"`
	Value string `xml:"Value,attr" json:"value"`
}

// TopicName returns the topic without surrounding whitespace
func (m NotificationMessage) TopicName() string {
	return strings.TrimSpace(m.Topic.Value)
}

// formatDuration renders d as an xs:duration such as PT1S or PT1M30S
func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}

	var b strings.Builder
	b.WriteString("PT")
	if h := d / time.Hour; h > 0 {
		b.WriteString(strconv.FormatInt(int64(h), 10))
		b.WriteByte('H')
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		b.WriteString(strconv.FormatInt(int64(m), 10))
		b.WriteByte('M')
		d -= m * time.Minute
	}
	if d > 0 {
		b.WriteString(strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
		b.WriteByte('S')
	}
	return b.String()
}

// parseDateTime reads an xs:dateTime, returning the zero time when absent or malformed
func parseDateTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
