package signaling

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-gateway/internal/eventbus"
	"github.com/isqad/livelook-gateway/internal/rtc"
	"github.com/isqad/livelook-gateway/internal/sfu"
)

func invalidParams(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
}

func bind(req *Request, v interface{}) error {
	if err := req.Bind(v); err != nil {
		return invalidParams("%v", err)
	}
	return nil
}

// bindRoomID reads a room id sent either as a bare string or as {roomId}.
func bindRoomID(req *Request) (string, error) {
	var roomID string
	if err := req.Bind(&roomID); err == nil && roomID != "" {
		return roomID, nil
	}

	params := roomParams{}
	if err := req.Bind(&params); err != nil || params.RoomID == "" {
		return "", invalidParams("roomId is required")
	}
	return params.RoomID, nil
}

func (g *Gateway) createRoom(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	roomID, err := bindRoomID(req)
	if err != nil {
		return nil, err
	}

	room, err := g.rooms.CreateRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	g.publish(eventbus.RoomCreated, roomID, "", room.Router.ID())
	g.refreshStats()

	return RoomResult{RouterRtpCapabilities: room.Router.RtpCapabilities()}, nil
}

func (g *Gateway) joinRoom(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	roomID, err := bindRoomID(req)
	if err != nil {
		return nil, err
	}

	room, ok := g.rooms.GetRoom(roomID)
	if !ok {
		return nil, sfu.ErrRoomNotFound
	}

	if previous, ok := g.takeSession(conn.ID(), ""); ok && previous.roomID != roomID {
		g.leave(previous)
	}

	peer, err := g.rooms.AddPeer(roomID, conn.ID(), conn, UserIDFromContext(ctx))
	if err != nil {
		return nil, err
	}
	if err := g.bindSession(conn.ID(), roomID, peer); err != nil {
		return nil, err
	}

	peers := make([]PeerInfo, 0)
	for _, other := range room.Peers() {
		if other.ID == peer.ID {
			continue
		}
		info := PeerInfo{ID: other.ID, Producers: make([]ProducerInfo, 0)}
		for _, producer := range other.Producers() {
			info.Producers = append(info.Producers, ProducerInfo{
				ID:            producer.ID(),
				Kind:          producer.Kind(),
				RtpParameters: producer.RtpParameters(),
				AppData:       producer.AppData(),
			})
		}
		peers = append(peers, info)
	}

	g.broadcast(roomID, peer.ID, PeerJoinedNotification, PeerEvent{PeerID: peer.ID})
	g.publish(eventbus.PeerJoined, roomID, peer.ID, "")
	g.refreshStats()

	return JoinRoomResult{
		RouterRtpCapabilities: room.Router.RtpCapabilities(),
		Peers:                 peers,
	}, nil
}

func (g *Gateway) leaveRoom(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	m, ok := g.takeSession(conn.ID(), "")
	if !ok {
		return nil, ErrNotJoined
	}
	g.leave(m)
	g.refreshStats()

	return nil, nil
}

func (g *Gateway) deleteRoom(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	roomID, err := bindRoomID(req)
	if err != nil {
		return nil, err
	}
	if _, ok := g.rooms.GetRoom(roomID); !ok {
		return nil, sfu.ErrRoomNotFound
	}

	peers, err := g.rooms.DeleteRoom(roomID)
	if err != nil {
		log.Warn().Err(err).Str("service", "signaling").Str("roomID", roomID).Msg("close room resources")
	}

	for _, peer := range peers {
		if peer.Connection == nil {
			continue
		}
		g.takeSession(peer.Connection.ID(), roomID)
		notify(peer.Connection, RoomClosedNotification, RoomClosedEvent{RoomID: roomID})
	}

	g.publish(eventbus.RoomDeleted, roomID, "", "")
	g.refreshStats()

	return nil, nil
}

func (g *Gateway) createTransport(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	m, err := g.member(conn)
	if err != nil {
		return nil, err
	}

	params := createTransportParams{}
	if err := bind(req, &params); err != nil {
		return nil, err
	}
	direction := sfu.Direction(params.Direction)
	if direction != "" && direction != sfu.DirectionSend && direction != sfu.DirectionRecv {
		return nil, invalidParams("unknown direction %q", params.Direction)
	}

	registered, err := g.rooms.CreateTransport(ctx, m.roomID, m.peerID, sfu.TransportSpec{
		Type:      rtc.WebRtcTransportType,
		Direction: direction,
		Sctp:      params.Sctp,
	})
	if err != nil {
		return nil, err
	}

	t := registered.Handle
	info := t.Info()
	g.publish(eventbus.TransportCreated, m.roomID, m.peerID, t.ID())

	return TransportResult{
		ID:             t.ID(),
		IceParameters:  info.IceParameters,
		IceCandidates:  info.IceCandidates,
		DtlsParameters: info.DtlsParameters,
		SctpParameters: info.SctpParameters,
	}, nil
}

func (g *Gateway) createPlainTransport(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	m, err := g.member(conn)
	if err != nil {
		return nil, err
	}

	params := createPlainTransportParams{}
	if err := bind(req, &params); err != nil {
		return nil, err
	}
	rtcpMux := true
	if params.RtcpMux != nil {
		rtcpMux = *params.RtcpMux
	}

	registered, err := g.rooms.CreateTransport(ctx, m.roomID, m.peerID, sfu.TransportSpec{
		Type:    rtc.PlainTransportType,
		RtcpMux: rtcpMux,
		Comedia: params.Comedia,
	})
	if err != nil {
		return nil, err
	}

	t := registered.Handle
	result := PlainTransportResult{ID: t.ID()}
	if tuple := t.Info().Tuple; tuple != nil {
		result.IP = tuple.LocalIP
		result.Port = tuple.LocalPort
		result.RtcpPort = tuple.RtcpPort
	}
	g.publish(eventbus.TransportCreated, m.roomID, m.peerID, t.ID())

	return result, nil
}

func (g *Gateway) connectTransport(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	m, err := g.member(conn)
	if err != nil {
		return nil, err
	}

	params := connectTransportParams{}
	if err := bind(req, &params); err != nil {
		return nil, err
	}
	if params.TransportID == "" {
		return nil, invalidParams("transportId is required")
	}

	err = g.rooms.ConnectTransport(ctx, m.roomID, m.peerID, params.TransportID, rtc.ConnectParams{
		DtlsParameters: params.DtlsParameters,
		IceParameters:  params.IceParameters,
		IceCandidates:  params.IceCandidates,
		IP:             params.IP,
		Port:           params.Port,
		RtcpPort:       params.RtcpPort,
	})
	if err != nil {
		return nil, err
	}

	return nil, nil
}

func (g *Gateway) produce(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	m, err := g.member(conn)
	if err != nil {
		return nil, err
	}

	params := produceParams{}
	if err := bind(req, &params); err != nil {
		return nil, err
	}
	if params.TransportID == "" {
		return nil, invalidParams("transportId is required")
	}
	if !params.Kind.Valid() {
		return nil, invalidParams("unknown kind %q", params.Kind)
	}

	registered, err := g.rooms.Produce(ctx, m.roomID, m.peerID, params.TransportID, rtc.ProduceOptions{
		Kind:          params.Kind,
		RtpParameters: params.RtpParameters,
		AppData:       params.AppData,
	})
	if err != nil {
		return nil, err
	}

	producer := registered.Handle
	g.broadcast(m.roomID, m.peerID, NewProducerNotification, NewProducerEvent{
		PeerID:        m.peerID,
		ProducerID:    producer.ID(),
		Kind:          producer.Kind(),
		RtpParameters: producer.RtpParameters(),
		AppData:       producer.AppData(),
	})
	g.publish(eventbus.ProducerCreated, m.roomID, m.peerID, producer.ID())

	return ProduceResult{ID: producer.ID()}, nil
}

func (g *Gateway) consume(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	m, err := g.member(conn)
	if err != nil {
		return nil, err
	}

	params := consumeParams{}
	if err := bind(req, &params); err != nil {
		return nil, err
	}
	if params.ProducerID == "" {
		return nil, invalidParams("producerId is required")
	}

	registered, err := g.rooms.Consume(ctx, m.roomID, m.peerID, sfu.ConsumeRequest{
		ProducerID:      params.ProducerID,
		TransportID:     params.TransportID,
		RtpCapabilities: params.RtpCapabilities,
		OnProducerClose: func(peer *sfu.Peer, consumer rtc.Consumer) {
			notify(peer.Connection, ConsumerClosedNotification, ConsumerClosedEvent{
				ConsumerID: consumer.ID(),
				ProducerID: consumer.ProducerID(),
			})
		},
	})
	if err != nil {
		return nil, err
	}

	consumer := registered.Handle
	g.publish(eventbus.ConsumerCreated, m.roomID, m.peerID, consumer.ID())

	return ConsumeResult{
		ID:            consumer.ID(),
		ProducerID:    consumer.ProducerID(),
		Kind:          consumer.Kind(),
		RtpParameters: consumer.RtpParameters(),
	}, nil
}

func (g *Gateway) closeProducer(ctx context.Context, conn sfu.Connection, req *Request) (interface{}, error) {
	m, err := g.member(conn)
	if err != nil {
		return nil, err
	}

	params := closeProducerParams{}
	if err := bind(req, &params); err != nil {
		return nil, err
	}
	if params.ProducerID == "" {
		return nil, invalidParams("producerId is required")
	}

	if err := g.rooms.UnregisterProducer(m.roomID, m.peerID, params.ProducerID); err != nil {
		return nil, err
	}

	g.broadcast(m.roomID, m.peerID, ProducerClosedNotification, ProducerClosedEvent{
		PeerID:     m.peerID,
		ProducerID: params.ProducerID,
	})
	g.publish(eventbus.ProducerClosed, m.roomID, m.peerID, params.ProducerID)

	return nil, nil
}
