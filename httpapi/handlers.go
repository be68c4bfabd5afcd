package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ceyewan/lookupd/registry"
	"github.com/ceyewan/lookupd/xerrors"
)

func (s *Server) register(c *gin.Context) {
	var req registerRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	res, err := s.reg.Register(c.Request.Context(), req.Item, fromMS(req.DurationMS))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) lookup(c *gin.Context) {
	var req templateRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.reg.Lookup(c.Request.Context(), req.Template)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item})
}

func (s *Server) lookupMany(c *gin.Context) {
	var req lookupManyRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	m, err := s.reg.LookupMany(c.Request.Context(), req.Template, req.MaxMatches)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// withService 解析路径中的服务 ID 与请求体
func (s *Server) withService(c *gin.Context, body any, fn func(registry.ServiceID) error) {
	id, err := serviceIDParam(c)
	if err == nil {
		err = bind(c, body)
	}
	if err == nil {
		err = fn(id)
	}
	if err != nil {
		s.fail(c, err)
	}
}

func (s *Server) addAttributes(c *gin.Context) {
	var req attributesRequest
	s.withService(c, &req, func(id registry.ServiceID) error {
		if err := s.reg.AddAttributes(c.Request.Context(), id, req.LeaseID, req.Attributes); err != nil {
			return err
		}
		c.Status(http.StatusNoContent)
		return nil
	})
}

func (s *Server) modifyAttributes(c *gin.Context) {
	var req modifyRequest
	s.withService(c, &req, func(id registry.ServiceID) error {
		if err := s.reg.ModifyAttributes(c.Request.Context(), id, req.LeaseID, req.Templates, req.Changes); err != nil {
			return err
		}
		c.Status(http.StatusNoContent)
		return nil
	})
}

func (s *Server) setAttributes(c *gin.Context) {
	var req attributesRequest
	s.withService(c, &req, func(id registry.ServiceID) error {
		if err := s.reg.SetAttributes(c.Request.Context(), id, req.LeaseID, req.Attributes); err != nil {
			return err
		}
		c.Status(http.StatusNoContent)
		return nil
	})
}

func (s *Server) renewServiceLease(c *gin.Context) {
	var req renewRequest
	s.withService(c, &req, func(id registry.ServiceID) error {
		granted, err := s.reg.RenewServiceLease(c.Request.Context(), id, req.LeaseID, fromMS(req.DurationMS))
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, renewResponse{GrantedMS: toMS(granted)})
		return nil
	})
}

func (s *Server) cancelServiceLease(c *gin.Context) {
	var req cancelRequest
	s.withService(c, &req, func(id registry.ServiceID) error {
		if err := s.reg.CancelServiceLease(c.Request.Context(), id, req.LeaseID); err != nil {
			return err
		}
		c.Status(http.StatusNoContent)
		return nil
	})
}

func (s *Server) distinctTypes(c *gin.Context) {
	var req typesRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	types, err := s.reg.DistinctTypes(c.Request.Context(), req.Template, req.Prefix)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"types": types})
}

func (s *Server) distinctAttributeClasses(c *gin.Context) {
	var req templateRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	classes, err := s.reg.DistinctAttributeClasses(c.Request.Context(), req.Template)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classes": classes})
}

func (s *Server) distinctFieldValues(c *gin.Context) {
	var req valuesRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	values, err := s.reg.DistinctFieldValues(c.Request.Context(), req.Template, req.SetIndex, req.FieldIndex)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"values": values})
}

func (s *Server) notify(c *gin.Context) {
	var req notifyRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	ev, err := s.reg.Notify(c.Request.Context(), req.Template, req.Transitions, req.Listener, req.Handback, fromMS(req.DurationMS))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (s *Server) renewEventLease(c *gin.Context) {
	var req renewRequest
	id, err := eventIDParam(c)
	if err == nil {
		err = bind(c, &req)
	}
	var granted time.Duration
	if err == nil {
		granted, err = s.reg.RenewEventLease(c.Request.Context(), id, req.LeaseID, fromMS(req.DurationMS))
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, renewResponse{GrantedMS: toMS(granted)})
}

func (s *Server) cancelEventLease(c *gin.Context) {
	var req cancelRequest
	id, err := eventIDParam(c)
	if err == nil {
		err = bind(c, &req)
	}
	if err == nil {
		err = s.reg.CancelEventLease(c.Request.Context(), id, req.LeaseID)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) renewLeases(c *gin.Context) {
	var req renewLeasesRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	durs := make([]time.Duration, len(req.DurationsMS))
	for i, ms := range req.DurationsMS {
		durs[i] = fromMS(ms)
	}
	results, err := s.reg.RenewLeases(c.Request.Context(), req.Keys, durs)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]leaseResult, len(results))
	for i, r := range results {
		if r.Err != nil {
			out[i].Error = bodyOf(r.Err)
			continue
		}
		out[i].GrantedMS = toMS(r.Granted)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) cancelLeases(c *gin.Context) {
	var req leaseKeysRequest
	if err := bind(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	errs, err := s.reg.CancelLeases(c.Request.Context(), req.Keys)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]leaseResult, len(errs))
	for i, e := range errs {
		if e != nil {
			out[i].Error = bodyOf(e)
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

func (s *Server) adminState(c *gin.Context) {
	id := s.reg.Identity()
	st := s.reg.Stats()
	c.JSON(http.StatusOK, adminState{
		Identity: identityView{ServiceID: id.ServiceID, MemberGroups: id.MemberGroups, UnicastPort: id.UnicastPort},
		Stats: statsView{
			Services:          st.Services,
			Events:            st.Events,
			Types:             st.Types,
			Classes:           st.Classes,
			MaxServiceLeaseMS: toMS(st.MaxServiceLease),
			MaxEventLeaseMS:   toMS(st.MaxEventLease),
			LogRecords:        st.LogRecords,
		},
		LookupGroups:         s.reg.LookupGroups(),
		LookupLocators:       s.reg.LookupLocators(),
		MinMaxServiceLeaseMS: toMS(s.reg.MinMaxServiceLease()),
		MinMaxEventLeaseMS:   toMS(s.reg.MinMaxEventLease()),
		MinRenewalIntervalMS: toMS(s.reg.MinRenewalInterval()),
		SnapshotWeight:       s.reg.SnapshotWeight(),
		SnapshotThreshold:    s.reg.SnapshotThreshold(),
		StorageLocation:      s.reg.StorageLocation(),
	})
}

// admin 解码请求体并执行管理操作，成功返回 204
func (s *Server) admin(c *gin.Context, body any, fn func() error) {
	err := bind(c, body)
	if err == nil {
		err = fn()
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setMemberGroups(c *gin.Context) {
	var req groupsRequest
	s.admin(c, &req, func() error { return s.reg.SetMemberGroups(c.Request.Context(), req.Groups) })
}

func (s *Server) addMemberGroups(c *gin.Context) {
	var req groupsRequest
	s.admin(c, &req, func() error { return s.reg.AddMemberGroups(c.Request.Context(), req.Groups) })
}

func (s *Server) removeMemberGroups(c *gin.Context) {
	var req groupsRequest
	s.admin(c, &req, func() error { return s.reg.RemoveMemberGroups(c.Request.Context(), req.Groups) })
}

func (s *Server) setLookupGroups(c *gin.Context) {
	var req groupsRequest
	s.admin(c, &req, func() error { return s.reg.SetLookupGroups(c.Request.Context(), req.Groups) })
}

func (s *Server) setLookupLocators(c *gin.Context) {
	var req locatorsRequest
	s.admin(c, &req, func() error { return s.reg.SetLookupLocators(c.Request.Context(), req.Locators) })
}

func (s *Server) setUnicastPort(c *gin.Context) {
	var req portRequest
	s.admin(c, &req, func() error { return s.reg.SetUnicastPort(c.Request.Context(), req.Port) })
}

func (s *Server) setLeaseParams(c *gin.Context) {
	var req leaseParamsRequest
	s.admin(c, &req, func() error {
		ctx := c.Request.Context()
		var errs xerrors.Collector
		if req.MinMaxServiceLeaseMS != 0 {
			errs.Collect(s.reg.SetMinMaxServiceLease(ctx, fromMS(req.MinMaxServiceLeaseMS)))
		}
		if req.MinMaxEventLeaseMS != 0 {
			errs.Collect(s.reg.SetMinMaxEventLease(ctx, fromMS(req.MinMaxEventLeaseMS)))
		}
		if req.MinRenewalIntervalMS != 0 {
			errs.Collect(s.reg.SetMinRenewalInterval(ctx, fromMS(req.MinRenewalIntervalMS)))
		}
		return errs.Err()
	})
}

func (s *Server) setSnapshotParams(c *gin.Context) {
	var req snapshotParamsRequest
	s.admin(c, &req, func() error {
		ctx := c.Request.Context()
		var errs xerrors.Collector
		if req.Weight != nil {
			errs.Collect(s.reg.SetSnapshotWeight(ctx, *req.Weight))
		}
		if req.Threshold != nil {
			errs.Collect(s.reg.SetSnapshotThreshold(ctx, *req.Threshold))
		}
		return errs.Err()
	})
}

func (s *Server) setStorageLocation(c *gin.Context) {
	var req storageRequest
	s.admin(c, &req, func() error { return s.reg.SetStorageLocation(c.Request.Context(), req.Dir) })
}

func (s *Server) destroy(c *gin.Context) {
	if err := s.reg.Destroy(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
