package logging

import "log/slog"

// Domain identifiers

func Document(id string) slog.Attr {
	return slog.String("document_id", id)
}

func Connection(id string) slog.Attr {
	return slog.String("connection_id", id)
}

func User(id string) slog.Attr {
	return slog.String("user_id", id)
}

func Revision(rev int64) slog.Attr {
	return slog.Int64("revision", rev)
}

func MessageType(t string) slog.Attr {
	return slog.String("message_type", t)
}

// Error handling

func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
