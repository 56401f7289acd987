package onvif

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// DeviceService is the handle for the ver10 device service
type DeviceService struct {
	*serviceBase
}

func newDeviceService(ctx context.Context, env ServiceEnv) (Service, error) {
	// the device service is its own time source
	env.DeviceURL = env.Endpoint
	d := &DeviceService{serviceBase: newServiceBase(env)}
	if err := d.open(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// deviceOn wraps a transport the caller owns; calls go out with whatever
// headers the transport carries and are never retried
func deviceOn(transport Transport) *DeviceService {
	ref := transport.Endpoint()
	return &DeviceService{serviceBase: &serviceBase{
		endpoint:  ref.Address,
		namespace: DeviceNamespace,
		transport: transport,
		log:       zerolog.Nop(),
	}}
}

func (d *DeviceService) Capability() Capability { return CapabilityDevice }

// GetSystemDateAndTime returns the device's UTC clock truncated to whole
// seconds, or the zero time when the device does not report UTC
func (d *DeviceService) GetSystemDateAndTime(ctx context.Context) (time.Time, error) {
	var resp getSystemDateAndTimeResponse
	if err := d.call(ctx, actionGetSystemDateAndTime, &getSystemDateAndTime{}, &resp); err != nil {
		return time.Time{}, errors.Annotate(err, "failed to get date/time")
	}

	utc := resp.SystemDateAndTime.UTCDateTime
	if utc == nil || utc.Date.Year == 0 {
		return time.Time{}, nil
	}
	return time.Date(
		utc.Date.Year, time.Month(utc.Date.Month), utc.Date.Day,
		utc.Time.Hour, utc.Time.Minute, utc.Time.Second,
		0, time.UTC,
	), nil
}

// GetServices lists the device's services, collapsed into a ServiceMap.
// A namespace listed twice keeps its last address.
func (d *DeviceService) GetServices(ctx context.Context) (ServiceMap, error) {
	var resp getServicesResponse
	if err := d.call(ctx, actionGetServices, &getServices{}, &resp); err != nil {
		return nil, errors.Annotate(err, "failed to get services")
	}

	services := make(ServiceMap, len(resp.Service))
	for _, s := range resp.Service {
		ns := strings.TrimSpace(s.Namespace)
		if ns == "" {
			continue
		}
		services[ns] = strings.TrimSpace(s.XAddr)
	}
	return services, nil
}

// GetDeviceInformation fetches manufacturer, model and firmware details
func (d *DeviceService) GetDeviceInformation(ctx context.Context) (*DeviceInformation, error) {
	var info DeviceInformation
	if err := d.call(ctx, actionGetDeviceInformation, &getDeviceInformation{}, &info); err != nil {
		return nil, errors.Annotate(err, "failed to get device information")
	}
	return &info, nil
}
