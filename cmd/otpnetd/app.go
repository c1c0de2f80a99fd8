package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/otpnet"
	"github.com/luciancaetano/otpnet/gateway"
)

const (
	// Command IDs served by the daemon
	CmdEcho         uint32 = 0x0001
	CmdJoinGroup    uint32 = 0x0002
	CmdLeaveGroup   uint32 = 0x0003
	CmdGroupMessage uint32 = 0x0004
	CmdMemberJoined uint32 = 0x0005
	CmdMemberLeft   uint32 = 0x0006
)

// GroupMessage is the payload of CmdGroupMessage. From and Timestamp are set
// by the server.
type GroupMessage struct {
	Group     string          `json:"group"`
	From      otpnet.SystemID `json:"from"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// Membership is the payload of CmdMemberJoined and CmdMemberLeft.
type Membership struct {
	Group    string          `json:"group"`
	SystemID otpnet.SystemID `json:"systemId"`
}

type app struct {
	server      otpnet.Server
	connections func() int
	instance    string
	log         *zap.Logger
	ctx         context.Context
}

func newApp(g *gateway.Gateway, log *zap.Logger) *app {
	return &app{
		server:      g,
		connections: g.Connections,
		instance:    g.ID(),
		log:         log.Named("app"),
		ctx:         context.Background(),
	}
}

func (a *app) register(ctx context.Context) error {
	handlers := map[uint32]func(otpnet.Client, []byte){
		CmdEcho:         a.handleEcho,
		CmdJoinGroup:    a.handleJoinGroup,
		CmdLeaveGroup:   a.handleLeaveGroup,
		CmdGroupMessage: a.handleGroupMessage,
	}
	for cmd, h := range handlers {
		if err := a.server.RegisterHandler(ctx, cmd, h); err != nil {
			return fmt.Errorf("failed to register handler 0x%04X: %w", cmd, err)
		}
	}

	if err := a.server.RegisterJSONRPCHandler(ctx, "status", a.status); err != nil {
		return fmt.Errorf("failed to register status handler: %w", err)
	}
	return nil
}

func (a *app) handleEcho(client otpnet.Client, payload []byte) {
	if err := client.Send(a.ctx, CmdEcho, payload); err != nil {
		a.log.Debug("echo not delivered", zap.Stringer("systemId", client.SystemID()), zap.Error(err))
	}
}

func (a *app) handleJoinGroup(client otpnet.Client, payload []byte) {
	group := string(payload)
	if err := a.server.AddToGroup(group, client); err != nil {
		a.log.Info("join rejected", zap.Stringer("systemId", client.SystemID()), zap.String("group", group), zap.Error(err))
		return
	}
	// The joiner is told too, as an acknowledgement.
	a.server.SendToGroup(a.ctx, group, CmdMemberJoined, membership(group, client.SystemID()))
}

func (a *app) handleLeaveGroup(client otpnet.Client, payload []byte) {
	group := string(payload)
	if err := a.server.RemoveFromGroup(group, client); err != nil {
		a.log.Info("leave rejected", zap.Stringer("systemId", client.SystemID()), zap.String("group", group), zap.Error(err))
		return
	}
	data := membership(group, client.SystemID())
	a.server.SendToGroup(a.ctx, group, CmdMemberLeft, data)
	client.Send(a.ctx, CmdMemberLeft, data)
}

func (a *app) handleGroupMessage(client otpnet.Client, payload []byte) {
	var msg GroupMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		a.log.Info("invalid group message", zap.Stringer("systemId", client.SystemID()), zap.Error(err))
		return
	}
	msg.From = client.SystemID()
	msg.Timestamp = time.Now().UTC()

	data, err := json.Marshal(msg)
	if err != nil {
		a.log.Error("marshal group message", zap.Error(err))
		return
	}
	a.server.SendToGroup(a.ctx, msg.Group, CmdGroupMessage, data, client.SystemID())
}

func membership(group string, id otpnet.SystemID) []byte {
	data, _ := json.Marshal(Membership{Group: group, SystemID: id})
	return data
}

func (a *app) status(params map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"instance":    a.instance,
		"version":     version,
		"connections": a.connections(),
	}, nil
}
