package service

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/socialdash/autopost/internal/models"
)

// MonitoringService persists publish errors and counters next to the posts.
// A nil service, or one without a database, only logs.
type MonitoringService struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewMonitoringService(db *gorm.DB, logger *zap.Logger) *MonitoringService {
	return &MonitoringService{
		db:     db,
		logger: logger,
	}
}

func (m *MonitoringService) enabled() bool {
	return m != nil && m.db != nil
}

// RecordError 记录错误日志
func (m *MonitoringService) RecordError(level, source, title, message string, options ...ErrorLogOption) {
	if !m.enabled() {
		return
	}

	errorLog := &models.ErrorLog{
		Level:   level,
		Source:  source,
		Title:   title,
		Message: message,
	}
	for _, option := range options {
		option(errorLog)
	}

	if err := m.db.Create(errorLog).Error; err != nil {
		m.logger.Warn("Failed to record error log", zap.String("source", source), zap.Error(err))
	}
}

// ErrorLogOption 错误日志选项
type ErrorLogOption func(*models.ErrorLog)

// WithPost 设置帖子
func WithPost(post *models.Post) ErrorLogOption {
	return func(e *models.ErrorLog) {
		e.PostID = post.ID
		e.UserID = post.UserID
	}
}

// WithContext 设置上下文信息
func WithContext(context map[string]interface{}) ErrorLogOption {
	return func(e *models.ErrorLog) {
		if contextBytes, err := json.Marshal(context); err == nil {
			e.Context = string(contextBytes)
		}
	}
}

// RecordMetric 记录指标数据
func (m *MonitoringService) RecordMetric(name, metricType string, value float64, tags map[string]interface{}) {
	if !m.enabled() {
		return
	}

	var tagsJSON string
	if tags != nil {
		if tagsBytes, err := json.Marshal(tags); err == nil {
			tagsJSON = string(tagsBytes)
		}
	}

	metric := &models.MetricsSample{
		MetricName: name,
		MetricType: metricType,
		Value:      value,
		Tags:       tagsJSON,
		Timestamp:  time.Now(),
	}
	if err := m.db.Create(metric).Error; err != nil {
		m.logger.Warn("Failed to record metric", zap.String("metric", name), zap.Error(err))
	}
}

// GetRecentErrors 获取最近的错误日志
func (m *MonitoringService) GetRecentErrors(limit int) ([]models.ErrorLog, error) {
	if !m.enabled() {
		return nil, nil
	}
	var errors []models.ErrorLog
	err := m.db.Order("created_at desc").Limit(limit).Find(&errors).Error
	return errors, err
}

// CleanupOldData 清理旧数据
func (m *MonitoringService) CleanupOldData(daysToKeep int) error {
	if !m.enabled() {
		return nil
	}
	cutoffDate := time.Now().AddDate(0, 0, -daysToKeep)

	if err := m.db.Where("timestamp < ?", cutoffDate).Delete(&models.MetricsSample{}).Error; err != nil {
		return err
	}
	return m.db.Where("created_at < ?", cutoffDate).Delete(&models.ErrorLog{}).Error
}
