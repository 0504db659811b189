package coordinator

import "errors"

var (
	// ErrAlreadyInRoom 当前协调器已绑定一个房间，需先 Close
	ErrAlreadyInRoom = errors.New("coordinator: already in a room")
	// ErrNotInRoom 操作要求先建房或加入房间
	ErrNotInRoom = errors.New("coordinator: not in a room")
)
