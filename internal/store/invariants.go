package store

import (
	"slices"

	"github.com/Alexander-D-Karpov/chatcore/internal/common/errors"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
)

func checkMessage(m *messaging.Message) error {
	switch m.Type {
	case messaging.TypeText:
		if len(m.Files) > 0 {
			return errors.BadRequest("text message cannot carry files")
		}
	case messaging.TypeFile:
		if len(m.Files) == 0 {
			return errors.BadRequest("file message must carry at least one file")
		}
	default:
		return errors.BadRequest("unknown message type")
	}

	if !m.Delivery.Consistent() {
		return errors.Invariant("delivery status must satisfy read => delivered => sent")
	}

	seenEmoji := make(map[string]bool, len(m.Reactions))
	for _, r := range m.Reactions {
		if r.Emoji == "" {
			return errors.Invariant("reaction without emoji")
		}
		if len(r.Users) == 0 {
			return errors.Invariant("reaction entry with no users")
		}
		if seenEmoji[r.Emoji] {
			return errors.Invariant("duplicate reaction entry for emoji")
		}
		seenEmoji[r.Emoji] = true

		seenUser := make(map[string]bool, len(r.Users))
		for _, u := range r.Users {
			if seenUser[u] {
				return errors.Invariant("duplicate user in reaction entry")
			}
			seenUser[u] = true
		}
	}

	seenReader := make(map[string]bool, len(m.ReadBy))
	for _, r := range m.ReadBy {
		if r.UserID == m.SenderID {
			return errors.Invariant("sender cannot appear in read receipts")
		}
		if seenReader[r.UserID] {
			return errors.Invariant("duplicate read receipt")
		}
		seenReader[r.UserID] = true
	}

	return nil
}

func checkTransition(prev, next *messaging.Message) error {
	if prev.LocalID != next.LocalID || prev.ServerID != next.ServerID {
		return errors.Invariant("message ids are immutable")
	}
	if prev.Conversation != next.Conversation || prev.SenderID != next.SenderID {
		return errors.Invariant("message conversation and sender are immutable")
	}
	if prev.ReplyTo != next.ReplyTo {
		return errors.Invariant("reply target is immutable")
	}
	if regressed(prev.Delivery, next.Delivery) {
		return errors.Invariant("delivery status cannot regress")
	}
	for _, r := range prev.ReadBy {
		if !slices.ContainsFunc(next.ReadBy, func(n messaging.ReadReceipt) bool { return n.UserID == r.UserID }) {
			return errors.Invariant("read receipts cannot be withdrawn")
		}
	}
	return checkMessage(next)
}

func regressed(prev, next messaging.DeliveryStatus) bool {
	return (prev.Sent && !next.Sent) ||
		(prev.Delivered && !next.Delivered) ||
		(prev.Read && !next.Read)
}

func checkChannel(c *messaging.Channel) error {
	if c.ID == "" {
		return errors.BadRequest("channel id is required")
	}
	if c.CreatedBy == "" {
		return errors.BadRequest("channel creator is required")
	}
	if !slices.Contains(c.Permissions.CanManage, c.CreatedBy) {
		return errors.Invariant("channel creator must be able to manage the channel")
	}
	if !slices.Contains(c.Permissions.CanPost, c.CreatedBy) {
		return errors.Invariant("channel creator must be able to post")
	}
	if c.MemberCount != len(c.Permissions.CanPost) {
		return errors.Invariant("member count out of sync with members")
	}
	return nil
}
