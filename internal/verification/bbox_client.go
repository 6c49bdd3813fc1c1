package verification

import (
	"fmt"
	"time"

	"roadwatch-alarm/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// bboxResponse 基准框提取响应（恰好一个框，两点坐标）
type bboxResponse struct {
	Code int     `json:"code"`
	Msg  string  `json:"msg"`
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
}

// BBoxExtractorClient 基准框提取服务客户端
// 基准框作为该报警所有检测命中的 IoU 比对基线
type BBoxExtractorClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewBBoxExtractorClient 创建基准框提取客户端
func NewBBoxExtractorClient(baseURL string, timeout time.Duration, logger *zap.Logger) *BBoxExtractorClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &BBoxExtractorClient{
		httpClient: client,
		logger:     logger,
	}
}

// ExtractReferenceBox 从报警参考图提取基准框
func (c *BBoxExtractorClient) ExtractReferenceBox(imagePath string) (*models.BBox, error) {
	if imagePath == "" {
		return nil, fmt.Errorf("image path is required")
	}

	var response bboxResponse
	resp, err := c.httpClient.R().
		SetBody(map[string]string{"imagePath": imagePath}).
		SetResult(&response).
		Post("/bbox/extract")

	if err != nil {
		return nil, fmt.Errorf("failed to call bbox extractor: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("bbox extractor returned status %d", resp.StatusCode())
	}
	if response.Code != 0 {
		return nil, fmt.Errorf("bbox extractor error: %s (code: %d)", response.Msg, response.Code)
	}

	box := &models.BBox{
		X1: response.X1,
		Y1: response.Y1,
		X2: response.X2,
		Y2: response.Y2,
	}
	if box.Area() <= 0 {
		return nil, fmt.Errorf("bbox extractor returned degenerate box")
	}

	return box, nil
}
