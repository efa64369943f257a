package protocol

import (
	"encoding/json"
	"fmt"
)

// PayloadCodec 负载编解码接口
type PayloadCodec interface {
	Encode(interface{}) ([]byte, error) // 编码负载
	Decode([]byte, interface{}) error   // 解码负载
}

// JSONCodec JSON负载实现，网关的pong配置、分配接口与回执都使用JSON
type JSONCodec struct{}

// Encode 编码为JSON
func (j *JSONCodec) Encode(data interface{}) ([]byte, error) {
	return json.Marshal(data)
}

// Decode 从JSON解码
func (j *JSONCodec) Decode(bytes []byte, target interface{}) error {
	if len(bytes) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(bytes, target)
}

// JSON 默认的负载编解码器
var JSON PayloadCodec = &JSONCodec{}
