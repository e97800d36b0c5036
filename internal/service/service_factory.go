package service

import (
	"go.uber.org/zap"

	"trust-engine/internal/engine"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	engine          *engine.Engine
	requiredTrust   float64
	logger          *zap.Logger
	guard           *Guard
	approvalService *ApprovalService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(eng *engine.Engine, requiredTrust float64, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{
		engine:        eng,
		requiredTrust: requiredTrust,
		logger:        logger,
	}
}

// Guard returns the guard instance (singleton)
func (f *ServiceFactory) Guard() *Guard {
	if f.guard == nil {
		f.guard = NewGuard(f.engine, f.requiredTrust, f.logger.Named("guard"))
	}
	return f.guard
}

// ApprovalService returns the approval service instance (singleton)
func (f *ServiceFactory) ApprovalService() *ApprovalService {
	if f.approvalService == nil {
		f.approvalService = NewApprovalService(f.engine, f.logger.Named("approval"))
	}
	return f.approvalService
}
