package channel

import (
	"context"

	"go.uber.org/zap"

	"amf-rpc/message"
)

// handleFlex answers a Flex RemotingMessage or CommandMessage with an
// AcknowledgeMessage or ErrorMessage.
func (c *Channel) handleFlex(ctx context.Context, responseURI string, flex any) *message.Response {
	switch m := flex.(type) {
	case *message.RemotingMessage:
		clientID := m.ClientID
		if id, _ := m.Headers[message.HeaderDSId].(string); clientID == "" && id != "nil" {
			clientID = id
		}
		resp := c.dispatcher.Dispatch(ctx, &message.Request{
			TargetName:  m.TargetName(),
			Arguments:   m.Body,
			ResponseURI: responseURI,
		})
		if f := resp.Fault(); f != nil {
			return flexFault(responseURI, message.ErrorMessage(m.MessageID, clientID, f))
		}
		return &message.Response{
			Status:         message.StatusSuccess,
			Body:           message.Acknowledge(m.MessageID, clientID, resp.Body),
			CorrelatingURI: responseURI,
		}

	case *message.CommandMessage:
		if m.Operation != message.CommandClientPing {
			c.logger.Info("unsupported flex command", zap.Int("operation", m.Operation))
			f := message.NewFault(message.CodeCommandUnsupported, "command operation %d is not supported", m.Operation)
			return flexFault(responseURI, message.ErrorMessage(m.MessageID, m.ClientID, f))
		}
		dsID, _ := m.Headers[message.HeaderDSId].(string)
		if dsID == "" || dsID == "nil" {
			dsID = message.NewMessageID()
		}
		ack := message.Acknowledge(m.MessageID, m.ClientID, nil)
		ack.Set("headers", map[string]any{message.HeaderDSId: dsID})
		return &message.Response{Status: message.StatusSuccess, Body: ack, CorrelatingURI: responseURI}
	}
	return nil
}

// flexFault carries an ErrorMessage in the body of an onStatus reply. The
// body is the ErrorMessage itself, so Response.Fault reports nil.
func flexFault(responseURI string, em any) *message.Response {
	return &message.Response{Status: message.StatusFault, Body: em, CorrelatingURI: responseURI}
}
