package event

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent = errors.New("event: unknown event name")
	ErrMalformed    = errors.New("event: malformed payload")
)

// Envelope 是线上格式：{"event": "<name>", "data": {...}}。
type Envelope struct {
	Event Name            `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type validator interface {
	Validate() error
}

type decodeFunc func(data []byte) (Event, error)

func decodeAs[T Event](data []byte) (Event, error) {
	var v T
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	if vv, ok := any(v).(validator); ok {
		if err := vv.Validate(); err != nil {
			return nil, err
		}
	}
	return v, nil
}

var decoders = map[Name]decodeFunc{
	NameAuthenticate:             decodeAs[Authenticate],
	NameJoin:                     decodeAs[Join],
	NameLeave:                    decodeAs[Leave],
	NamePing:                     decodeAs[Ping],
	NameRequestStats:             decodeAs[RequestStats],
	NameSubscribeNotifications:   decodeAs[SubscribeNotifications],
	NameUnsubscribeNotifications: decodeAs[UnsubscribeNotifications],
	NameMarkNotificationRead:     decodeAs[MarkNotificationRead],
	NameNotification:             decodeAs[Notification],
	NameDashboardUpdate:          decodeAs[DashboardUpdate],
	NameKnowledgeUpdate:          decodeAs[KnowledgeUpdate],
	NameUserActivity:             decodeAs[UserActivity],
	NameSystemAlert:              decodeAs[SystemAlert],
	NameConnected:                decodeAs[Connected],
	NameAuthenticated:            decodeAs[Authenticated],
	NamePong:                     decodeAs[Pong],
	NameError:                    decodeAs[Error],
	NameRoomJoined:               decodeAs[RoomJoined],
	NameRoomLeft:                 decodeAs[RoomLeft],
	NameNotificationSubscription: decodeAs[NotificationSubscription],
	NameNotificationMarkedRead:   decodeAs[NotificationMarkedRead],
	NameMessage:                  decodeAs[Message],
	NameUserTyping:               decodeAs[UserTyping],
	NameUserJoined:               decodeAs[UserJoined],
	NameUserLeft:                 decodeAs[UserLeft],
}

// Known 报告 name 是否是可以在线上传输的事件名。
func Known(name Name) bool {
	_, ok := decoders[name]
	return ok
}

func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("event: encode nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s: %w", ev.Name(), err)
	}
	return json.Marshal(Envelope{Event: ev.Name(), Data: data})
}

// Decode 解析信封并按事件名还原为具体类型。
// 未知事件名返回 ErrUnknownEvent，字段缺失或类型错误返回 ErrMalformed。
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	return DecodeEnvelope(env)
}

func DecodeEnvelope(env Envelope) (Event, error) {
	dec, ok := decoders[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	ev, err := dec(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Event, err)
	}
	return ev, nil
}
