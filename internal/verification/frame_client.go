package verification

import (
	"fmt"
	"time"

	"roadwatch-alarm/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// SampledFrame 抽帧结果（排序序号 + 存储地址）
type SampledFrame struct {
	Seq int    `json:"seq"`
	URL string `json:"url"`
}

// frameRequest 抽帧请求
// 车辆停驶类按固定秒偏移抽帧，其余类别按片长百分比抽帧
type frameRequest struct {
	VideoPath  string `json:"videoPath"`
	Category   string `json:"category"`
	OffsetsSec []int  `json:"offsetsSec,omitempty"`
	OffsetsPct []int  `json:"offsetsPct,omitempty"`
}

type frameResponse struct {
	Code   int            `json:"code"`
	Msg    string         `json:"msg"`
	Frames []SampledFrame `json:"frames"`
}

// 抽帧偏移（与核验服务约定的采样点）
var (
	stoppedOffsetsSec = []int{7, 8, 9}
	defaultOffsetsPct = []int{50, 80, 95}
)

// FrameProviderClient 抽帧服务客户端
type FrameProviderClient struct {
	httpClient    *resty.Client
	probeAttempts int
	probeInterval time.Duration
	logger        *zap.Logger
}

// NewFrameProviderClient 创建抽帧服务客户端
func NewFrameProviderClient(baseURL string, timeout time.Duration, probeAttempts int, probeInterval time.Duration, logger *zap.Logger) *FrameProviderClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &FrameProviderClient{
		httpClient:    client,
		probeAttempts: probeAttempts,
		probeInterval: probeInterval,
		logger:        logger,
	}
}

// ProbeVideo 探测视频连通性
// 唯一允许重试的外部调用：固定次数、固定间隔，预算用尽即失败
func (c *FrameProviderClient) ProbeVideo(videoPath string) error {
	var lastErr error

	for attempt := 1; attempt <= c.probeAttempts; attempt++ {
		resp, err := c.httpClient.R().
			SetBody(map[string]string{"videoPath": videoPath}).
			Post("/frames/probe")

		if err == nil && resp.IsSuccess() {
			return nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("probe returned status %d", resp.StatusCode())
		}

		c.logger.Warn("Video connectivity probe failed",
			zap.String("video_path", videoPath),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)

		if attempt < c.probeAttempts {
			time.Sleep(c.probeInterval)
		}
	}

	return fmt.Errorf("video unreachable after %d attempts: %w", c.probeAttempts, lastErr)
}

// SampleFrames 请求抽帧
func (c *FrameProviderClient) SampleFrames(videoPath string, category models.AlarmCategory) ([]SampledFrame, error) {
	request := frameRequest{
		VideoPath: videoPath,
		Category:  string(category),
	}
	if category == models.CategoryVehicleStopped {
		request.OffsetsSec = stoppedOffsetsSec
	} else {
		request.OffsetsPct = defaultOffsetsPct
	}

	var response frameResponse
	resp, err := c.httpClient.R().
		SetBody(request).
		SetResult(&response).
		Post("/frames/sample")

	if err != nil {
		return nil, fmt.Errorf("failed to call frame provider: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("frame provider returned status %d", resp.StatusCode())
	}
	if response.Code != 0 {
		return nil, fmt.Errorf("frame provider error: %s (code: %d)", response.Msg, response.Code)
	}
	if len(response.Frames) == 0 {
		return nil, fmt.Errorf("frame provider returned no frames")
	}

	return response.Frames, nil
}
