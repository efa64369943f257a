package protocol

import (
	"fmt"

	"github.com/BetaCatPro/wsevent/internal/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// 帧的 protobuf 字段编号
const (
	fieldSeqID           protowire.Number = 1
	fieldLogID           protowire.Number = 2
	fieldService         protowire.Number = 3
	fieldMethod          protowire.Number = 4
	fieldHeaders         protowire.Number = 5
	fieldPayloadEncoding protowire.Number = 6
	fieldPayloadType     protowire.Number = 7
	fieldPayload         protowire.Number = 8
	fieldLogIDNew        protowire.Number = 9

	fieldHeaderKey   protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// Encode 将帧编码为二进制
//
// 空的 Headers/Payload 与 nil 在线上编码相同，Decode 统一还原为 nil。
func Encode(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("nil frame")
	}
	if f.Method != MethodControl && f.Method != MethodData {
		return nil, fmt.Errorf("unsupported frame method: %d", f.Method)
	}

	b := make([]byte, 0, 32+len(f.Payload))
	b = protowire.AppendTag(b, fieldSeqID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.SeqID)
	b = protowire.AppendTag(b, fieldLogID, protowire.VarintType)
	b = protowire.AppendVarint(b, f.LogID)
	b = protowire.AppendTag(b, fieldService, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(f.Service)))
	b = protowire.AppendTag(b, fieldMethod, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(f.Method)))

	for _, h := range f.Headers {
		var hb []byte
		hb = protowire.AppendTag(hb, fieldHeaderKey, protowire.BytesType)
		hb = protowire.AppendString(hb, h.Key)
		hb = protowire.AppendTag(hb, fieldHeaderValue, protowire.BytesType)
		hb = protowire.AppendString(hb, h.Value)
		b = protowire.AppendTag(b, fieldHeaders, protowire.BytesType)
		b = protowire.AppendBytes(b, hb)
	}
	if f.PayloadEncoding != "" {
		b = protowire.AppendTag(b, fieldPayloadEncoding, protowire.BytesType)
		b = protowire.AppendString(b, f.PayloadEncoding)
	}
	if f.PayloadType != "" {
		b = protowire.AppendTag(b, fieldPayloadType, protowire.BytesType)
		b = protowire.AppendString(b, f.PayloadType)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	if f.LogIDNew != "" {
		b = protowire.AppendTag(b, fieldLogIDNew, protowire.BytesType)
		b = protowire.AppendString(b, f.LogIDNew)
	}
	return b, nil
}

// Decode 从二进制解码帧，未知字段会被跳过；没有头部或负载时对应字段为 nil
func Decode(data []byte) (*Frame, error) {
	f := &Frame{}
	var seenMethod bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, errors.Protocol("frame tag: %v", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldSeqID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, errors.Protocol("seq_id: %v", protowire.ParseError(m))
			}
			f.SeqID, n = v, m
		case num == fieldLogID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, errors.Protocol("log_id: %v", protowire.ParseError(m))
			}
			f.LogID, n = v, m
		case num == fieldService && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, errors.Protocol("service: %v", protowire.ParseError(m))
			}
			f.Service, n = int32(v), m
		case num == fieldMethod && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return nil, errors.Protocol("method: %v", protowire.ParseError(m))
			}
			f.Method, n = Method(int32(v)), m
			seenMethod = true
		case num == fieldHeaders && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, errors.Protocol("header: %v", protowire.ParseError(m))
			}
			h, err := decodeHeader(v)
			if err != nil {
				return nil, err
			}
			f.Headers = append(f.Headers, h)
			n = m
		case num == fieldPayloadEncoding && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, errors.Protocol("payload_encoding: %v", protowire.ParseError(m))
			}
			f.PayloadEncoding, n = v, m
		case num == fieldPayloadType && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, errors.Protocol("payload_type: %v", protowire.ParseError(m))
			}
			f.PayloadType, n = v, m
		case num == fieldPayload && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return nil, errors.Protocol("payload: %v", protowire.ParseError(m))
			}
			if len(v) > 0 {
				f.Payload = append([]byte(nil), v...)
			}
			n = m
		case num == fieldLogIDNew && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return nil, errors.Protocol("log_id_new: %v", protowire.ParseError(m))
			}
			f.LogIDNew, n = v, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, errors.Protocol("field %d: %v", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}

	if !seenMethod {
		return nil, errors.Protocol("missing method")
	}
	if f.Method != MethodControl && f.Method != MethodData {
		return nil, errors.Protocol("unknown method %d", f.Method)
	}
	return f, nil
}

func decodeHeader(data []byte) (Header, error) {
	var h Header
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return h, errors.Protocol("header tag: %v", protowire.ParseError(n))
		}
		data = data[n:]
		switch {
		case num == fieldHeaderKey && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return h, errors.Protocol("header key: %v", protowire.ParseError(m))
			}
			h.Key, n = v, m
		case num == fieldHeaderValue && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(data)
			if m < 0 {
				return h, errors.Protocol("header value: %v", protowire.ParseError(m))
			}
			h.Value, n = v, m
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return h, errors.Protocol("header field %d: %v", num, protowire.ParseError(n))
			}
		}
		data = data[n:]
	}
	return h, nil
}
