package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBCredential struct {
	Token              string `msgpack:"token"`
	RequiresOnboarding bool   `msgpack:"requiresOnboarding"`
	UpdatedAt          int64  `msgpack:"updatedAt"`
}

func (c *DBCredential) Key() []byte {
	return keyCredential
}

func (c *DBCredential) MarshalBinary() (data []byte, err error) {
	type alias DBCredential
	return msgpack.Marshal((*alias)(c))
}

func (c *DBCredential) UnmarshalBinary(data []byte) error {
	type alias DBCredential
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBRoom struct {
	ID           int64  `msgpack:"id"`
	ProductID    int64  `msgpack:"productId"`
	ProductTitle string `msgpack:"productTitle"`
	SellerID     int64  `msgpack:"sellerId"`
	BuyerID      int64  `msgpack:"buyerId"`
	LastMessage  string `msgpack:"lastMessage"`
	UnreadCount  int    `msgpack:"unreadCount"`
	UpdatedAt    int64  `msgpack:"updatedAt"` // Unix milliseconds
}

func (r *DBRoom) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(r.ID))
	return key
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}
