package sipengine

import (
	"log/slog"
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"

	"github.com/arzzra/webphone/pkg/phone"
)

// Порт аудио в оффере. Медиа-план движок не поднимает, порт
// декларативный и согласуется внешним медиа-стеком.
const offerAudioPort = 40000

// buildOffer создает audio-only SDP оффер с PCMU/PCMA и telephone-event
// для DTMF. Политики транспорта отражаются атрибутами (rtcp-mux);
// STUN-серверы в классическом SDP не выражаются и только логируются.
func buildOffer(listenAddr string, media phone.MediaPolicy, policy phone.TransportPolicy) ([]byte, error) {
	if !media.Audio {
		return nil, errors.New("media policy must include audio")
	}
	if media.Video {
		slog.Debug("buildOffer video requested but not supported, audio only")
	}
	if len(policy.STUNServers) > 0 {
		slog.Debug("buildOffer STUN servers are advisory",
			slog.Any("servers", policy.STUNServers))
	}

	host, _ := splitHostPort(listenAddr, 0)

	offer := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(time.Now().UnixNano()),
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "webphone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	audio := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   "audio",
			Port:    sdp.RangedPort{Value: offerAudioPort},
			Protos:  []string{"RTP", "AVP"},
			Formats: []string{"0", "8", "101"},
		},
		Attributes: []sdp.Attribute{
			{Key: "rtpmap", Value: "0 PCMU/8000"},
			{Key: "rtpmap", Value: "8 PCMA/8000"},
			{Key: "rtpmap", Value: "101 telephone-event/8000"},
			{Key: "fmtp", Value: "101 0-15"},
			{Key: "sendrecv"},
		},
	}

	if policy.RTCPMux {
		audio.Attributes = append(audio.Attributes, sdp.Attribute{Key: "rtcp-mux"})
	}

	offer.MediaDescriptions = []*sdp.MediaDescription{audio}

	raw, err := offer.Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal SDP offer")
	}
	return raw, nil
}
