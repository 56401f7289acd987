package onvif

import (
	"context"

	"github.com/juju/errors"
)

// PTZNode describes one pan/tilt/zoom unit
type PTZNode struct {
	Token                  string `xml:"token,attr" json:"token"`
	FixedHomePosition      bool   `xml:"FixedHomePosition,attr" json:"fixedHomePosition"`
	Name                   string `xml:"Name" json:"name"`
	MaximumNumberOfPresets int    `xml:"MaximumNumberOfPresets" json:"maximumNumberOfPresets"`
	HomeSupported          bool   `xml:"HomeSupported" json:"homeSupported"`
}

// PTZService is the ver20 PTZ handle. Only node discovery is offered.
type PTZService struct {
	*serviceBase
}

func newPTZService(ctx context.Context, env ServiceEnv) (Service, error) {
	p := &PTZService{serviceBase: newServiceBase(env)}
	if err := p.open(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PTZService) Capability() Capability { return CapabilityPTZ }

// GetNodes lists the PTZ nodes of the device
func (p *PTZService) GetNodes(ctx context.Context) ([]PTZNode, error) {
	var resp ptzGetNodesResponse
	if err := p.call(ctx, actionPTZGetNodes, &ptzGetNodes{}, &resp); err != nil {
		return nil, errors.Annotate(err, "failed to get PTZ nodes")
	}
	return resp.PTZNode, nil
}
