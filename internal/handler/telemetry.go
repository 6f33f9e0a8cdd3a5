// =============================================================================
// 文件: internal/handler/telemetry.go
// 描述: 遥测消息体
// =============================================================================
package handler

import "github.com/mrcgq/ofdmlink/internal/ratecontrol"

// LossTelemetry 丢帧率样本
type LossTelemetry struct {
	Variant string  `json:"variant"`
	Seq     uint16  `json:"seq"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// FrameDataTelemetry 每个接收数据帧的信道标注
type FrameDataTelemetry struct {
	From        string                     `json:"from"`
	Seq         uint16                     `json:"seq"`
	Length      int                        `json:"length"`
	SNR         float64                    `json:"snr"`
	SNRVariance float64                    `json:"snr_variance"`
	Encoding    ratecontrol.EncodingParams `json:"encoding"`
	DelayMs     float64                    `json:"delay_ms"`
}

// EncodingTelemetry 编码等级变更
type EncodingTelemetry struct {
	From   string                     `json:"from"`
	To     string                     `json:"to"`
	Reason string                     `json:"reason"`
	SNR    float64                    `json:"snr"`
	Params ratecontrol.EncodingParams `json:"params"`
}
