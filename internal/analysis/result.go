package analysis

import (
	"fmt"
	"strings"
)

// Result は解析サービスが返す推定結果
type Result struct {
	InsightFaceAge  float64 `json:"final_insightface_age"`
	InsightFaceConf float64 `json:"final_insightface_conf"`
	DeepFaceAge     float64 `json:"final_deepface_age"`
	DeepFaceConf    float64 `json:"final_deepface_conf"`
	FusedAge        float64 `json:"final_fused_age"`
	DominantEmotion string  `json:"dominant_emotion"`
}

// Percent は0..1の信頼度を小数2桁のパーセント表記にする
func Percent(conf float64) string {
	return fmt.Sprintf("%.2f%%", conf*100)
}

// Summary は結果を人が読める形式で返す
func (r Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "InsightFace Age: %g (Confidence: %s)\n", r.InsightFaceAge, Percent(r.InsightFaceConf))
	fmt.Fprintf(&b, "DeepFace Age: %g (Confidence: %s)\n", r.DeepFaceAge, Percent(r.DeepFaceConf))
	fmt.Fprintf(&b, "Fused Age: %g\n", r.FusedAge)
	fmt.Fprintf(&b, "Dominant Emotion: %s\n", r.DominantEmotion)
	return b.String()
}
