package runtime

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// NewProtoMessage instantiates a zero-value protobuf message for the provided generic type.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Pointer {
		return zero, fmt.Errorf("gridflow: proto message type %v must be a pointer", typ)
	}
	msg, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("gridflow: cannot instantiate proto message %v", typ)
	}
	return msg, nil
}

// MustProtoMessage instantiates the protobuf message and panics if the type cannot be created.
func MustProtoMessage[T proto.Message]() T {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}
