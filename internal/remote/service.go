// Package remote talks to the chat service that owns durable state: listing
// channels, history and users, and sending outgoing messages.
package remote

import (
	"context"
	stderrors "errors"

	"github.com/Alexander-D-Karpov/chatcore/internal/circuitbreaker"
	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/delivery"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"google.golang.org/grpc/codes"
)

// Service is the read side of the remote chat service.
type Service interface {
	ListChannels(ctx context.Context) ([]messaging.Channel, error)
	ListChannelMessages(ctx context.Context, channelID string) ([]messaging.Message, error)
	ListDirectMessages(ctx context.Context, peerUserID string) ([]messaging.Message, error)
	ListTenantUsers(ctx context.Context, tenantID string) ([]messaging.ChatUser, error)
}

// Transport carries outgoing traffic. Acknowledgments come back on Acks,
// which is closed by Close.
type Transport interface {
	SendMessage(ctx context.Context, msg messaging.Message) error
	SendTyping(ctx context.Context, ref messaging.ConversationRef, typing bool) error
	Acks() <-chan delivery.Ack
	Close() error
}

const ackBuffer = 256

// Transient reports whether err is worth retrying: network failures and
// unavailable, timed-out or throttled remotes. Client errors, an open
// circuit and cancellation are final.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return false
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		switch appErr.Code {
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
			return true
		}
		return false
	}
	return true
}

// healthy reports errors that do not indicate a failing remote.
func healthy(err error) bool {
	return !Transient(err)
}

func conversationPath(ref messaging.ConversationRef) string {
	if ref.IsDirect() {
		return "/dm/" + escape(ref.PeerID)
	}
	return "/channels/" + escape(ref.ChannelID)
}
