package verification

import (
	"fmt"
	"time"

	"roadwatch-alarm/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Detection 单帧检测结果
type Detection struct {
	Label string      `json:"label"`
	Type  string      `json:"type"` // vehicle / person / debris
	Score float64     `json:"score"`
	Box   models.BBox `json:"box"`
}

type detectResponse struct {
	Code       int         `json:"code"`
	Msg        string      `json:"msg"`
	Detections []Detection `json:"detections"`
}

// ObjectDetectorClient 目标检测服务客户端
// 本服务只消费检测输出，不运行模型
type ObjectDetectorClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewObjectDetectorClient 创建目标检测客户端
func NewObjectDetectorClient(baseURL string, timeout time.Duration, logger *zap.Logger) *ObjectDetectorClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &ObjectDetectorClient{
		httpClient: client,
		logger:     logger,
	}
}

// DetectFrame 检测单帧
// 零检测是有效结果，返回空列表而非错误
func (c *ObjectDetectorClient) DetectFrame(frameURL string) ([]Detection, error) {
	if frameURL == "" {
		return nil, fmt.Errorf("frame url is required")
	}

	var response detectResponse
	resp, err := c.httpClient.R().
		SetBody(map[string]string{"frameUrl": frameURL}).
		SetResult(&response).
		Post("/detect")

	if err != nil {
		return nil, fmt.Errorf("failed to call object detector: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("object detector returned status %d", resp.StatusCode())
	}
	if response.Code != 0 {
		return nil, fmt.Errorf("object detector error: %s (code: %d)", response.Msg, response.Code)
	}

	return response.Detections, nil
}
