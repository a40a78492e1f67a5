package kv

import (
	"fmt"
	"time"
)

// OpKind enumerates the store operations allowed inside an atomic unit.
type OpKind uint8

const (
	OpHSet OpKind = iota + 1
	OpHDel
	OpSAdd
	OpSRem
	OpDel
	OpExpire
)

func (k OpKind) String() string {
	switch k {
	case OpHSet:
		return "hset"
	case OpHDel:
		return "hdel"
	case OpSAdd:
		return "sadd"
	case OpSRem:
		return "srem"
	case OpDel:
		return "del"
	case OpExpire:
		return "expire"
	default:
		return fmt.Sprintf("op(%d)", uint8(k))
	}
}

// Op is a single write queued for RunAsUnit.
type Op struct {
	Kind    OpKind
	Key     string
	Field   string
	Value   string
	Members []string
	TTL     time.Duration
}

// HSet writes field=value into the hash at key.
func HSet(key, field, value string) Op {
	return Op{Kind: OpHSet, Key: key, Field: field, Value: value}
}

// HDel removes fields from the hash at key.
func HDel(key string, fields ...string) Op {
	return Op{Kind: OpHDel, Key: key, Members: fields}
}

// SAdd adds members to the set at key.
func SAdd(key string, members ...string) Op {
	return Op{Kind: OpSAdd, Key: key, Members: members}
}

// SRem removes members from the set at key.
func SRem(key string, members ...string) Op {
	return Op{Kind: OpSRem, Key: key, Members: members}
}

// Del removes key.
func Del(key string) Op {
	return Op{Kind: OpDel, Key: key}
}

// Expire attaches ttl to key.
func Expire(key string, ttl time.Duration) Op {
	return Op{Kind: OpExpire, Key: key, TTL: ttl}
}

func (o Op) String() string {
	switch o.Kind {
	case OpHSet:
		return fmt.Sprintf("%s %s %s", o.Kind, o.Key, o.Field)
	case OpHDel, OpSAdd, OpSRem:
		return fmt.Sprintf("%s %s (%d)", o.Kind, o.Key, len(o.Members))
	case OpExpire:
		return fmt.Sprintf("%s %s %s", o.Kind, o.Key, o.TTL)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Key)
	}
}
